package engine

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
)

// Operation headers carried on outbound requests. The token and record
// payloads themselves are opaque to this engine.
const (
	headerOp          = "Sec-Trust-Token-Op"
	headerVersion     = "Sec-Trust-Token-Version"
	headerRecord      = "Sec-Redemption-Record"
	headerSigningData = "Sec-Additional-Signing-Data"
)

func issuanceRequest(endpoint *url.URL, c KeyCommitment) *Request {
	h := http.Header{}
	h.Set(headerOp, "token-request")
	h.Set(headerVersion, c.ProtocolVersion)
	h.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{"count": c.BatchSize})
	return &Request{Method: http.MethodPost, URL: endpoint, Header: h, Body: body}
}

type issuanceResponse struct {
	Tokens []Token `json:"tokens"`
}

// parseIssuanceResponse extracts issued tokens, treating any protocol
// level problem (bad status, malformed body, empty batch) as a server
// rejection.
func parseIssuanceResponse(resp *Response, issuer string) ([]Token, error) {
	if resp.Status != http.StatusOK {
		return nil, opErr(CodeServerRejected, "issuance", issuer, "issuer responded %d", resp.Status)
	}
	var ir issuanceResponse
	if err := json.Unmarshal(resp.Body, &ir); err != nil {
		return nil, opErr(CodeServerRejected, "issuance", issuer, "malformed issuance response: %v", err)
	}
	if len(ir.Tokens) == 0 {
		return nil, opErr(CodeServerRejected, "issuance", issuer, "issuer returned no tokens")
	}
	return ir.Tokens, nil
}

func redemptionRequest(endpoint *url.URL, tok Token, topLevel string) *Request {
	h := http.Header{}
	h.Set(headerOp, "token-redemption")
	h.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{
		"key_id":    tok.KeyID,
		"token":     tok.Body,
		"top_level": topLevel,
	})
	return &Request{Method: http.MethodPost, URL: endpoint, Header: h, Body: body}
}

type redemptionResponse struct {
	Record []byte `json:"record"`
	KeyID  string `json:"key_id"`
}

func parseRedemptionResponse(resp *Response, issuer string) (redemptionResponse, error) {
	if resp.Status != http.StatusOK {
		return redemptionResponse{}, opErr(CodeServerRejected, "redemption", issuer, "issuer responded %d", resp.Status)
	}
	var rr redemptionResponse
	if err := json.Unmarshal(resp.Body, &rr); err != nil {
		return redemptionResponse{}, opErr(CodeServerRejected, "redemption", issuer, "malformed redemption response: %v", err)
	}
	if len(rr.Record) == 0 {
		return redemptionResponse{}, opErr(CodeServerRejected, "redemption", issuer, "issuer returned no record")
	}
	return rr, nil
}

func signingRequest(endpoint *url.URL, records []*SignedRecord, signingData string) *Request {
	h := http.Header{}
	h.Set(headerOp, "send-redemption-record")
	for _, rec := range records {
		h.Add(headerRecord, rec.Issuer+";record="+base64.StdEncoding.EncodeToString(rec.Body))
	}
	if signingData != "" {
		h.Set(headerSigningData, signingData)
	}
	return &Request{Method: http.MethodPost, URL: endpoint, Header: h}
}

// validSigningData enforces the transport constraints on additional
// signing data: a bounded encoded length and no bytes a header cannot
// carry.
func validSigningData(s string, maxBytes int) bool {
	if len(s) > maxBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return false
		}
	}
	return true
}
