// Package api exposes the engine over HTTP. Callers (the page/script
// execution environment) describe each operation, including the security
// attributes of the requesting context; typed protocol failures map to
// RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trusttokens/internal/engine"
	"trusttokens/pkg/origin"
	"trusttokens/pkg/problems"
)

type opRequest struct {
	URL           string   `json:"url"`
	Issuer        string   `json:"issuer"`
	Issuers       []string `json:"issuers"`
	Mode          string   `json:"mode"`
	RefreshPolicy string   `json:"refresh_policy"`
	SigningData   string   `json:"signing_data"`
	TopLevel      string   `json:"top_level"`
	Initiator     string   `json:"initiator"` // serialized origin, or "opaque"
	SecureContext bool     `json:"secure_context"`
}

// Register mounts the operation endpoints.
func Register(r chi.Router, coord *engine.Coordinator, log *zap.SugaredLogger) {
	r.Post("/v1/issue", func(w http.ResponseWriter, req *http.Request) {
		_, endpoint, mode, rc, ok := decodeOp(w, req)
		if !ok {
			return
		}
		if err := coord.Issue(req.Context(), endpoint, mode, rc); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	})

	r.Post("/v1/redeem", func(w http.ResponseWriter, req *http.Request) {
		body, endpoint, mode, rc, ok := decodeOp(w, req)
		if !ok {
			return
		}
		refresh, err := engine.ParseRefreshPolicy(body.RefreshPolicy)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		rec, err := coord.Redeem(req.Context(), endpoint, mode, refresh, rc)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "success",
			"issuer":      rec.Issuer,
			"key_id":      rec.KeyID,
			"redeemed_at": rec.RedeemedAt,
		})
	})

	r.Post("/v1/sign", func(w http.ResponseWriter, req *http.Request) {
		body, endpoint, mode, rc, ok := decodeOp(w, req)
		if !ok {
			return
		}
		issuers := make([]origin.Origin, 0, len(body.Issuers))
		for _, s := range body.Issuers {
			iss, err := origin.Parse(s)
			if err != nil {
				writeBadRequest(w, err)
				return
			}
			issuers = append(issuers, iss)
		}
		res, err := coord.Sign(req.Context(), endpoint, issuers, mode, body.SigningData, rc)
		if err != nil {
			writeFailure(w, err)
			return
		}
		signed := make([]string, 0, len(res.SignedIssuers))
		for _, iss := range res.SignedIssuers {
			signed = append(signed, iss.String())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "success",
			"signed_issuers":  signed,
			"upstream_status": res.Status,
		})
	})

	r.Post("/v1/has-token", func(w http.ResponseWriter, req *http.Request) {
		var body opRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeBadRequest(w, err)
			return
		}
		iss, err := origin.Parse(body.Issuer)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		rc, err := requestContext(body)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		has, err := coord.HasToken(req.Context(), iss, rc)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"has_token": has})
	})

	r.Post("/v1/commitments", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeBadRequest(w, err)
			return
		}
		commitments := make(map[origin.Origin]engine.KeyCommitment, len(body))
		for issuerStr, raw := range body {
			iss, err := origin.Parse(issuerStr)
			if err != nil {
				writeBadRequest(w, err)
				return
			}
			c, err := engine.ParseCommitment(raw)
			if err != nil {
				writeBadRequest(w, err)
				return
			}
			commitments[iss] = c
		}
		coord.SetCommitments(commitments)
		log.Infow("commitments accepted", "issuers", len(commitments))
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	})

	r.Post("/v1/teardown", func(w http.ResponseWriter, req *http.Request) {
		var body opRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeBadRequest(w, err)
			return
		}
		top, err := origin.Parse(body.TopLevel)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		coord.ClearTopLevel(top)
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	})
}

func decodeOp(w http.ResponseWriter, req *http.Request) (opRequest, *url.URL, engine.Mode, engine.RequestContext, bool) {
	var body opRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeBadRequest(w, err)
		return body, nil, 0, engine.RequestContext{}, false
	}
	endpoint, err := url.Parse(body.URL)
	if err != nil || !endpoint.IsAbs() {
		writeProblem(w, http.StatusBadRequest, "bad-request", "Invalid endpoint URL", body.URL)
		return body, nil, 0, engine.RequestContext{}, false
	}
	mode, err := engine.ParseMode(body.Mode)
	if err != nil {
		writeBadRequest(w, err)
		return body, nil, 0, engine.RequestContext{}, false
	}
	rc, err := requestContext(body)
	if err != nil {
		writeBadRequest(w, err)
		return body, nil, 0, engine.RequestContext{}, false
	}
	return body, endpoint, mode, rc, true
}

func requestContext(body opRequest) (engine.RequestContext, error) {
	top, err := origin.Parse(body.TopLevel)
	if err != nil {
		return engine.RequestContext{}, err
	}
	rc := engine.RequestContext{TopLevel: top, SecureContext: body.SecureContext}
	switch body.Initiator {
	case "", "opaque":
		rc.Initiator = origin.Opaque()
	default:
		init, err := origin.Parse(body.Initiator)
		if err != nil {
			return engine.RequestContext{}, err
		}
		rc.Initiator = init
	}
	return rc, nil
}

func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeInsecureContext, engine.CodeUnsuitableTopLevel, engine.CodeRefreshNotPermitted:
		return http.StatusForbidden
	case engine.CodeIssuerCapExceeded:
		return http.StatusTooManyRequests
	case engine.CodeInvalidSigningData:
		return http.StatusBadRequest
	case engine.CodeNoCommitments, engine.CodeNoTokensAvailable, engine.CodeAlreadyRedeemed, engine.CodeNoRecordForIssuer:
		return http.StatusConflict
	case engine.CodeCommitmentMismatch, engine.CodeServerRejected, engine.CodeTooManyRedirects:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	if code := engine.CodeOf(err); code != "" {
		writeProblem(w, statusFor(code), string(code), "Trust token operation failed", err.Error())
		return
	}
	writeProblem(w, http.StatusBadGateway, "transport-error", "Transport failure", err.Error())
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeProblem(w, http.StatusBadRequest, "bad-request", "Malformed request", err.Error())
}

func writeProblem(w http.ResponseWriter, status int, slug, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problems.New(slug, title, detail, status))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
