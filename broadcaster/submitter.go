package broadcaster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/canopy-network/ethy/lib"
	"github.com/cenkalti/backoff/v4"
)

// Submitter hands a finalized proof to the foreign chain
type Submitter interface {
	Submit(ctx context.Context, p *lib.Proof) lib.ErrorI
}

// Submission is the body POSTed to the relayer
type Submission struct {
	Proof   *lib.Proof   `json:"proof"`
	Payload lib.HexBytes `json:"payload"` // the ABI encoded proof
}

// HTTPSubmitter posts proofs to a relayer endpoint
type HTTPSubmitter struct {
	url     string
	client  *http.Client
	retries uint64
	log     lib.LoggerI
}

// NewHTTPSubmitter() creates a submitter for the configured relayer
func NewHTTPSubmitter(config lib.BroadcastConfig, log lib.LoggerI) *HTTPSubmitter {
	return &HTTPSubmitter{
		url:     config.SubmitURL,
		client:  &http.Client{Timeout: time.Duration(config.SubmitTimeoutS) * time.Second},
		retries: config.SubmitRetries,
		log:     log,
	}
}

// Submit() POSTs the proof, retrying transient failures with exponential backoff. A 4xx response is final
func (s *HTTPSubmitter) Submit(ctx context.Context, p *lib.Proof) lib.ErrorI {
	payload, err := EncodeProofABI(p)
	if err != nil {
		return err
	}
	body, er := json.Marshal(Submission{Proof: p, Payload: payload})
	if er != nil {
		return lib.ErrJSONMarshal(er)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	if e := backoff.Retry(func() error { return s.post(ctx, body) }, policy); e != nil {
		if ee, ok := e.(lib.ErrorI); ok {
			return ee
		}
		return ErrSubmitProof(e)
	}
	return nil
}

func (s *HTTPSubmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(ErrSubmitProof(err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debugf("proof submission failed: %s", err.Error())
		return ErrSubmitProof(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(ErrSubmitStatus(resp.StatusCode))
	}
	return ErrSubmitStatus(resp.StatusCode)
}
