package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Method string

const (
	MethodAuthRequest      Method = "auth_request"
	MethodAuthChallenge    Method = "auth_challenge"
	MethodAuthVerify       Method = "auth_verify"
	MethodCreateAppSession Method = "create_app_session"
	MethodSubmitAppState   Method = "submit_app_state"
	MethodCloseAppSession  Method = "close_app_session"
	MethodError            Method = "error"
)

type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

type AuthChallengeResult struct {
	ChallengeMessage string `json:"challenge_message"`
}

type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

type AuthVerifyResult struct {
	Address    string `json:"address,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	// Success is absent on some clearnode versions; only an explicit false
	// is a rejection.
	Success  *bool  `json:"success,omitempty"`
	JWTToken string `json:"jwt_token,omitempty"`
}

// AppDefinition fixes the participants and voting rules of an app session.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int      `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
	Application  string   `json:"application,omitempty"`
}

type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

// AppStateParams is shared by submit_app_state and close_app_session.
type AppStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

type AppSessionResult struct {
	AppSessionID      string `json:"app_session_id,omitempty"`
	AppSessionIDCamel string `json:"appSessionId,omitempty"`
	Status            string `json:"status,omitempty"`
	Version           uint64 `json:"version,omitempty"`
}

// SessionID returns whichever id spelling the node used.
func (r AppSessionResult) SessionID() string {
	if r.AppSessionID != "" {
		return r.AppSessionID
	}
	return r.AppSessionIDCamel
}

type ErrorResult struct {
	Error string `json:"error"`
}

// Error is returned by SendAndWait when the node answers with an error frame.
type Error struct {
	RequestID uint64
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("clearnode error (request %d): %s", e.RequestID, e.Message)
}

// MessageSigner signs the serialized req array of a request.
type MessageSigner interface {
	SignPayload(payload []byte) (string, error)
}

// Request is an outbound frame. The req array is serialized once at
// construction so every co-signer signs identical bytes.
type Request struct {
	ID        uint64
	Method    Method
	Timestamp int64

	payload json.RawMessage
	sigs    []string
}

func NewRequest(id uint64, method Method, params any, timestampMs int64) (*Request, error) {
	payload, err := json.Marshal([]any{id, method, params, timestampMs})
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Timestamp: timestampMs, payload: payload}, nil
}

// Payload is the serialized req array.
func (r *Request) Payload() []byte {
	return r.payload
}

// Sign appends the signer's signature over the payload.
func (r *Request) Sign(signer MessageSigner) error {
	sig, err := signer.SignPayload(r.payload)
	if err != nil {
		return fmt.Errorf("sign %s: %w", r.Method, err)
	}
	r.sigs = append(r.sigs, sig)
	return nil
}

// AddSignature appends a signature produced outside a MessageSigner, such as
// an EIP-712 wallet signature.
func (r *Request) AddSignature(sig string) {
	r.sigs = append(r.sigs, sig)
}

func (r *Request) Signatures() []string {
	return append([]string(nil), r.sigs...)
}

func (r *Request) MarshalJSON() ([]byte, error) {
	sigs := r.sigs
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{Req: r.payload, Sig: sigs})
}

type Response struct {
	ID        uint64
	Method    Method
	Result    json.RawMessage
	Timestamp int64
	Sig       []string
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%s response has no result", r.Method)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Method, err)
	}
	return nil
}

var errNotResponse = errors.New("frame is not a response")

// ParseResponse decodes an inbound {"res":[id,method,result,ts],"sig":[...]}
// frame. Frames without a leading numeric id are rejected.
func ParseResponse(data []byte) (*Response, error) {
	var frame struct {
		Res []json.RawMessage `json:"res"`
		Sig []string          `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if len(frame.Res) < 3 {
		return nil, errNotResponse
	}
	resp := &Response{Result: frame.Res[2], Sig: frame.Sig}
	if err := json.Unmarshal(frame.Res[0], &resp.ID); err != nil {
		return nil, fmt.Errorf("response id: %w", err)
	}
	var method string
	if err := json.Unmarshal(frame.Res[1], &method); err != nil {
		return nil, fmt.Errorf("response method: %w", err)
	}
	resp.Method = Method(method)
	if len(frame.Res) > 3 {
		_ = json.Unmarshal(frame.Res[3], &resp.Timestamp)
	}
	return resp, nil
}

// ParseRequest decodes an outbound frame. Servers and tests use it to read
// what a client sent.
func ParseRequest(data []byte) (*Request, json.RawMessage, error) {
	var frame struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, err
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(frame.Req, &parts); err != nil {
		return nil, nil, fmt.Errorf("req: %w", err)
	}
	if len(parts) < 3 {
		return nil, nil, errors.New("req must have id, method and params")
	}
	req := &Request{payload: frame.Req, sigs: frame.Sig}
	if err := json.Unmarshal(parts[0], &req.ID); err != nil {
		return nil, nil, fmt.Errorf("req id: %w", err)
	}
	var method string
	if err := json.Unmarshal(parts[1], &method); err != nil {
		return nil, nil, fmt.Errorf("req method: %w", err)
	}
	req.Method = Method(method)
	if len(parts) > 3 {
		_ = json.Unmarshal(parts[3], &req.Timestamp)
	}
	return req, parts[2], nil
}

// EncodeResponse builds an inbound-style frame. Used by servers.
func EncodeResponse(id uint64, method Method, result any, timestampMs int64) ([]byte, error) {
	return json.Marshal(map[string]any{
		"res": []any{id, method, result, timestampMs},
		"sig": []string{},
	})
}
