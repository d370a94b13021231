// Package identity verifies national document numbers against the civil
// registry (DNI) and the tax authority (RUC).
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the registry does not know the document.
var ErrNotFound = errors.New("document not found")

// Result is the registry's view of a person or company.
type Result struct {
	DocumentID string `json:"document_id"`
	FullName   string `json:"full_name"`
	TaxStatus  string `json:"tax_status,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Verifier looks up a document id.
type Verifier interface {
	Verify(ctx context.Context, documentID string) (*Result, error)
}

// HTTPVerifier queries {base}/dni?numero= or {base}/ruc?numero= with a
// bearer token, depending on the document length.
type HTTPVerifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPVerifier(baseURL, token string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type personResponse struct {
	FullName       string `json:"full_name"`
	FirstName      string `json:"first_name"`
	FirstLastName  string `json:"first_last_name"`
	SecondLastName string `json:"second_last_name"`
	DocumentNumber string `json:"document_number"`
}

type companyResponse struct {
	DocumentNumber string `json:"numero_documento"`
	BusinessName   string `json:"razon_social"`
	Status         string `json:"estado"`
	Condition      string `json:"condicion"`
	Address        string `json:"direccion"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, documentID string) (*Result, error) {
	if len(documentID) == 11 {
		var resp companyResponse
		if err := v.get(ctx, "/ruc", documentID, &resp); err != nil {
			return nil, err
		}
		return &Result{
			DocumentID: documentID,
			FullName:   resp.BusinessName,
			TaxStatus:  resp.Status,
			Address:    resp.Address,
		}, nil
	}

	var resp personResponse
	if err := v.get(ctx, "/dni", documentID, &resp); err != nil {
		return nil, err
	}
	name := resp.FullName
	if name == "" {
		name = strings.Join(strings.Fields(resp.FirstName+" "+resp.FirstLastName+" "+resp.SecondLastName), " ")
	}
	return &Result{DocumentID: documentID, FullName: name}, nil
}

func (v *HTTPVerifier) get(ctx context.Context, path, documentID string, out any) error {
	u := v.baseURL + path + "?" + url.Values{"numero": {documentID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", documentID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("identity service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode identity response: %w", err)
	}
	return nil
}

// StaticVerifier answers from a fixed table. It backs local runs without an
// identity service and the package tests of its callers.
type StaticVerifier struct {
	Results map[string]*Result
	Err     error
}

func (s *StaticVerifier) Verify(_ context.Context, documentID string) (*Result, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	r, ok := s.Results[documentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", documentID, ErrNotFound)
	}
	return r, nil
}
