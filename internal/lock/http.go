package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ilnaes/padsync/internal/common"
)

const (
	ActionLock   = "lock"
	ActionUnlock = "unlock"
)

// Request is the body of the backbone's lock endpoint. The holder is the
// authenticated caller.
type Request struct {
	DocumentID string `json:"documentId"`
	Action     string `json:"action"`
	Force      bool   `json:"force,omitempty"`
}

type Response struct {
	Success    bool      `json:"success"`
	HolderID   string    `json:"holderId,omitempty"`
	HolderName string    `json:"holderName,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// HTTPService talks to a backbone lock endpoint.
type HTTPService struct {
	URL    string // full endpoint, e.g. http://host:8080/lock
	Token  string
	Client *http.Client
}

func (s HTTPService) Acquire(ctx context.Context, documentID string, holder common.Identity) (Lock, error) {
	res, status, err := s.do(ctx, Request{DocumentID: documentID, Action: ActionLock})
	if err != nil {
		return Lock{}, err
	}
	if status == http.StatusConflict {
		return Lock{}, &common.LockDeniedError{DocumentID: documentID, HolderID: res.HolderID, HolderName: res.HolderName}
	}
	if !res.Success {
		return Lock{}, fmt.Errorf("lock %s: %s", documentID, describe(status, res))
	}
	return Lock{
		DocumentID: documentID,
		HolderID:   res.HolderID,
		HolderName: res.HolderName,
		AcquiredAt: res.AcquiredAt,
	}, nil
}

func (s HTTPService) Release(ctx context.Context, documentID, holderID string, force bool) error {
	res, status, err := s.do(ctx, Request{DocumentID: documentID, Action: ActionUnlock, Force: force})
	if err != nil {
		return err
	}
	if status == http.StatusForbidden {
		return common.ErrNotHolder
	}
	if !res.Success {
		return fmt.Errorf("unlock %s: %s", documentID, describe(status, res))
	}
	return nil
}

func (s HTTPService) do(ctx context.Context, body Request) (Response, int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Response{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(buf))
	if err != nil {
		return Response{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, 0, &common.TransportError{Op: "lock", Err: err}
	}
	defer resp.Body.Close()

	var res Response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Response{}, resp.StatusCode, fmt.Errorf("lock endpoint returned %d: %w", resp.StatusCode, err)
	}
	return res, resp.StatusCode, nil
}

func describe(status int, res Response) string {
	msg := strings.TrimSpace(res.Error)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s (status %d)", msg, status)
}
