package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"ollama-gateway/internal/apierr"
)

const maxErrorBody = 64 * 1024

// Error codes attached to backend rejections that are reported to clients as
// invalid requests.
const (
	CodeModelNotFound   = "model_not_found"
	CodeBackendRejected = "backend_rejected_request"
)

// mapTransportError classifies a failure to obtain or read a response. parent
// is the caller's context and call the per-request context derived from it,
// so a client going away can be told apart from the request budget running
// out.
func mapTransportError(parent, call context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return fmt.Errorf("backend call cancelled: %w", parent.Err())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apierr.Wrap(apierr.KindBackendUnavailable, err, "backend is unavailable")
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return apierr.Wrap(apierr.KindBackendUnavailable, err, "backend is unavailable")
	}

	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindBackendTimeout, err, fmt.Sprintf("backend did not respond within %s", timeout))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.Wrap(apierr.KindBackendTimeout, err, fmt.Sprintf("backend did not respond within %s", timeout))
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return apierr.Wrap(apierr.KindBackendUnavailable, err, "backend connection was lost")
	}
	return apierr.Wrap(apierr.KindBackendUnavailable, err, "backend request failed")
}

// statusError converts a non-2xx backend response into a classified error.
// The message keeps the engine's own text; callers facing API clients must
// sanitise it before use.
func statusError(resp *http.Response, model string) error {
	message := readErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		msg := "requested resource was not found on the backend"
		if model != "" {
			msg = fmt.Sprintf("model %q is not installed on the backend", model)
		}
		return apierr.InvalidRequest("model", msg).
			WithCode(CodeModelNotFound).
			WithStatus(http.StatusNotFound)

	case resp.StatusCode == http.StatusBadRequest:
		if message == "" {
			message = "backend rejected the request"
		}
		return apierr.InvalidRequest("", message).WithCode(CodeBackendRejected)

	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = fmt.Sprintf("backend error (HTTP %d)", resp.StatusCode)
		}
		return apierr.New(apierr.KindBackendUnavailable, message)

	default:
		if message == "" {
			message = fmt.Sprintf("unexpected backend status (HTTP %d)", resp.StatusCode)
		}
		return apierr.New(apierr.KindBackendProtocol, message)
	}
}

func readErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(data))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return apierr.KindOf(err).String()
}
