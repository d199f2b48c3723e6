package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Keto relation tuple coordinates of document ownership
const (
	KetoNamespace     = "documents"
	KetoOwnerRelation = "owner"
)

// KetoService implements OwnershipResolver and OwnershipWriter using Ory Keto
type KetoService struct {
	readURL  string
	writeURL string
	client   *http.Client
	logger   *zerolog.Logger
}

// NewKetoService creates a new Keto-based ownership service
func NewKetoService(readURL, writeURL string, timeout time.Duration, logger *zerolog.Logger) *KetoService {
	return &KetoService{
		readURL:  readURL,
		writeURL: writeURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type relationTuple struct {
	Namespace string `json:"namespace"`
	Object    string `json:"object"`
	Relation  string `json:"relation"`
	SubjectID string `json:"subject_id"`
}

// OwnedDocumentIDs lists the owner tuples of tenantID, following pagination
func (k *KetoService) OwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error) {
	listURL := fmt.Sprintf("%s/relation-tuples", k.readURL)

	ids := []int64{}
	pageToken := ""
	for {
		params := url.Values{}
		params.Add("namespace", KetoNamespace)
		params.Add("relation", KetoOwnerRelation)
		params.Add("subject_id", tenantID)
		if pageToken != "" {
			params.Add("page_token", pageToken)
		}

		var result struct {
			RelationTuples []relationTuple `json:"relation_tuples"`
			NextPageToken  string          `json:"next_page_token"`
		}
		if err := k.getJSON(ctx, listURL+"?"+params.Encode(), &result); err != nil {
			return nil, fmt.Errorf("failed to list relation tuples for %s: %w", tenantID, err)
		}

		for _, tuple := range result.RelationTuples {
			id, err := strconv.ParseInt(tuple.Object, 10, 64)
			if err != nil {
				k.logger.Warn().Str("object", tuple.Object).Msg("ignoring relation tuple with non numeric document id")
				continue
			}
			ids = append(ids, id)
		}

		if result.NextPageToken == "" {
			return ids, nil
		}
		pageToken = result.NextPageToken
	}
}

// GrantOwner writes the owner tuple of a document
func (k *KetoService) GrantOwner(ctx context.Context, tenantID string, documentID int64) error {
	body, err := json.Marshal(relationTuple{
		Namespace: KetoNamespace,
		Object:    strconv.FormatInt(documentID, 10),
		Relation:  KetoOwnerRelation,
		SubjectID: tenantID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode relation tuple: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/admin/relation-tuples", k.writeURL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return k.do(req, http.StatusCreated, http.StatusOK)
}

// RevokeOwner deletes the owner tuple of a document
func (k *KetoService) RevokeOwner(ctx context.Context, tenantID string, documentID int64) error {
	params := url.Values{}
	params.Add("namespace", KetoNamespace)
	params.Add("object", strconv.FormatInt(documentID, 10))
	params.Add("relation", KetoOwnerRelation)
	params.Add("subject_id", tenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/admin/relation-tuples?%s", k.writeURL, params.Encode()), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return k.do(req, http.StatusNoContent, http.StatusOK)
}

func (k *KetoService) getJSON(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("keto returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

func (k *KetoService) do(req *http.Request, accepted ...int) error {
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range accepted {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("keto %s returned status %d", req.Method, resp.StatusCode)
}
