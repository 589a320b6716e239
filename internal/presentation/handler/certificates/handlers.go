package certificates

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/microfarm/microfarm/internal/infrastructure/json"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
)

const (
	// HeaderUserID names the account that reads are scoped to.
	HeaderUserID = "X-User-ID"

	methodGenerate = "generate_certificate"
	methodRevoke   = "revoke_certificate"
	methodGet      = "get_certificate"
	methodList     = "account_certificates"
)

// Handler relays issuance and revocation to the pki service and reads to
// the certificates service.
type Handler struct {
	pki          rpc.Service
	certificates rpc.Service
	logger       logging.Logger
}

func NewHandler(pki, certificates rpc.Service, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{pki: pki, certificates: certificates, logger: logger}
}

func (h *Handler) CreateCertificateHandler(w http.ResponseWriter, r *http.Request) {
	var body createCertificateRequest
	if err := json.Read(w, r, &body); err != nil {
		json.WriteBadRequestError(w, err.Error())
		return
	}
	if err := body.validate(); err != nil {
		json.WriteValidationError(w, err)
		return
	}
	h.relay(w, r, h.pki, methodGenerate, body.Account, body.Identity, body.Profile)
}

func (h *Handler) RevokeCertificateHandler(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var body revokeCertificateRequest
	if err := json.Read(w, r, &body); err != nil {
		json.WriteBadRequestError(w, err.Error())
		return
	}
	if err := body.validate(); err != nil {
		json.WriteValidationError(w, err)
		return
	}
	h.relay(w, r, h.pki, methodRevoke, body.Account, serial, body.Reason)
}

func (h *Handler) GetCertificateHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	h.relay(w, r, h.certificates, methodGet, account, chi.URLParam(r, "serial"))
}

func (h *Handler) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var body listCertificatesRequest
	if err := json.Read(w, r, &body); err != nil {
		json.WriteBadRequestError(w, err.Error())
		return
	}
	if err := body.validate(); err != nil {
		json.WriteValidationError(w, err)
		return
	}
	h.relay(w, r, h.certificates, methodList, account, body.listing())
}

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if account == "" {
		json.WriteError(w, http.StatusUnauthorized, "Missing user identity.")
		return "", false
	}
	return account, true
}

// relay answers with the backend's response mapped onto an HTTP status, or
// 503 when the backend could not be reached in time.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, svc rpc.Service, method string, args ...any) {
	var resp rpc.Response
	err := svc.With(r.Context(), func(ctx context.Context, c *rpc.Client) error {
		reply, err := c.Call(ctx, method, args...)
		if err != nil {
			return err
		}
		resp, err = rpc.DecodeResponse(reply)
		return err
	})

	var unavailable *rpc.UnavailableError
	switch {
	case errors.As(err, &unavailable):
		json.WriteUnavailableError(w, unavailable.Error())
	case err != nil:
		h.logger.Error(logging.RPC, logging.Call, "backend call failed", map[logging.ExtraKey]any{
			logging.Service:      svc.Name,
			logging.Method:       method,
			logging.ErrorMessage: err.Error(),
		})
		json.WriteError(w, http.StatusBadGateway, "The certificate service answered with an invalid response.")
	default:
		json.Write(w, resp.HTTPStatus(), resp)
	}
}
