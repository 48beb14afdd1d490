package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/examlock/examlockd/pkg/session"
)

// Message types accepted on the message endpoint.
const (
	typeInitSession       = "INIT_SESSION"
	typeGetViolationCount = "GET_VIOLATION_COUNT"
	typeReportViolation   = "REPORT_VIOLATION"
	typeHeartbeat         = "HEARTBEAT"
	typeAutoSubmit        = "AUTO_SUBMIT"
	typeCheckClearStatus  = "CHECK_CLEAR_STATUS"
)

// maxMessageBytes caps the accepted request body.
const maxMessageBytes = 64 << 10

// message is the inbound envelope: a type discriminator, the form URL, and a
// type-specific data payload.
type message struct {
	Type    string          `json:"type"`
	FormURL string          `json:"formUrl"`
	Data    json.RawMessage `json:"data"`
}

// heartbeatResponse acknowledges a page heartbeat.
type heartbeatResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// handleMessage dispatches one envelope to the coordinator. Unknown types
// yield an explicit error payload rather than a silent drop.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err := dec.Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message envelope")
		return
	}

	ctx := r.Context()
	var (
		result any
		err    error
	)

	switch msg.Type {
	case typeInitSession:
		var seed session.Seed
		if err = decodeData(msg.Data, &seed); err == nil {
			result, err = s.coord.InitSession(ctx, msg.FormURL, seed)
		}

	case typeGetViolationCount:
		result, err = s.coord.GetViolationCount(ctx, msg.FormURL)

	case typeReportViolation:
		var rep session.Report
		if err = decodeData(msg.Data, &rep); err == nil {
			if rep.IPAddress == "" {
				rep.IPAddress = clientAddr(r)
			}
			if rep.UserAgent == "" {
				rep.UserAgent = r.UserAgent()
			}
			result, err = s.coord.ReportViolation(ctx, msg.FormURL, rep)
		}

	case typeHeartbeat:
		result = heartbeatResponse{Success: true, Timestamp: time.Now().UnixMilli()}

	case typeAutoSubmit:
		var req session.AutoSubmitRequest
		if err = decodeData(msg.Data, &req); err == nil {
			result, err = s.coord.AutoSubmit(ctx, msg.FormURL, req)
		}

	case typeCheckClearStatus:
		var req session.ClearStatusRequest
		if err = decodeData(msg.Data, &req); err == nil {
			result, err = s.coord.CheckClearStatus(ctx, msg.FormURL, req)
		}

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
		return
	}

	if err != nil {
		if errors.Is(err, session.ErrMissingFormKey) {
			writeError(w, http.StatusBadRequest, "missing form key")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodeData unmarshals a payload, treating an absent payload as empty.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed message data: %w", err)
	}
	return nil
}

// clientAddr resolves the reporting client's address, honoring the first
// X-Forwarded-For hop when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
