// Package site uploads a site's queries, documents and document lists to
// the platform from TREC files.
package site

import (
	"context"
	"encoding/base64"

	"github.com/livinglabs/livelab/internal/client"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/pkg/security"
	"github.com/livinglabs/livelab/internal/trec"
)

// API is the upload side of the site API. *client.Client implements it.
type API interface {
	PutQueries(ctx context.Context, queries []client.Query) error
	PutDoc(ctx context.Context, doc client.Document) error
	PutDoclist(ctx context.Context, siteQID string, docIDs []string) error
}

// Uploader pushes local TREC data to the platform.
type Uploader struct {
	api     API
	hashIDs bool
	log     *logger.Logger
}

// NewUploader creates an uploader. With hashIDs set, local IDs are sent as
// their SHA-1 hex digest.
func NewUploader(api API, hashIDs bool, log *logger.Logger) *Uploader {
	if log == nil {
		log = logger.Discard()
	}
	return &Uploader{api: api, hashIDs: hashIDs, log: log}
}

// SiteID maps a local ID to the ID sent to the platform.
func (u *Uploader) SiteID(id string) string {
	if u.hashIDs {
		return trec.SiteID(id)
	}
	return id
}

// UploadTopics uploads topics as the site's queries in a single request.
func (u *Uploader) UploadTopics(ctx context.Context, topics []trec.Topic) (int, error) {
	queries := make([]client.Query, 0, len(topics))
	for _, t := range topics {
		siteQID := u.SiteID(t.Number)
		if err := security.ValidateSiteID("site_qid", siteQID); err != nil {
			return 0, apperrors.Wrap(apperrors.CodeValidation, "topic "+t.Number, err)
		}
		if err := security.ValidateQueryText(t.Query); err != nil {
			return 0, apperrors.Wrap(apperrors.CodeValidation, "topic "+t.Number, err)
		}
		queries = append(queries, client.Query{QStr: t.Query, SiteQID: siteQID})
	}
	if len(queries) == 0 {
		return 0, apperrors.ValidationError("no topics to upload")
	}

	if err := u.api.PutQueries(ctx, queries); err != nil {
		return 0, err
	}
	u.log.Info("Uploaded queries", "count", len(queries))
	return len(queries), nil
}

// RunUpload counts what UploadRun sent.
type RunUpload struct {
	Doclists  int
	Documents int
}

// UploadRun uploads a placeholder document for every document of the run
// and then one document list per query. Documents shared between queries
// are uploaded once.
func (u *Uploader) UploadRun(ctx context.Context, lists []trec.RunList) (RunUpload, error) {
	var res RunUpload
	seen := make(map[string]bool)

	for _, list := range lists {
		siteQID := u.SiteID(list.QueryID)
		if err := security.ValidateSiteID("site_qid", siteQID); err != nil {
			return res, apperrors.Wrap(apperrors.CodeValidation, "run query "+list.QueryID, err)
		}

		docIDs := make([]string, 0, len(list.DocIDs))
		for _, docID := range list.DocIDs {
			siteDocID := u.SiteID(docID)
			if err := security.ValidateSiteID("site_docid", siteDocID); err != nil {
				return res, apperrors.Wrap(apperrors.CodeValidation, "run document "+docID, err)
			}
			docIDs = append(docIDs, siteDocID)
			if seen[siteDocID] {
				continue
			}

			doc := PlaceholderDocument(siteDocID)
			if err := security.ValidateDocumentContent([]byte(doc.Content)); err != nil {
				return res, apperrors.Wrap(apperrors.CodeValidation, "run document "+docID, err)
			}
			if err := u.api.PutDoc(ctx, doc); err != nil {
				return res, wrap(err, "uploading document "+docID)
			}
			seen[siteDocID] = true
			res.Documents++
		}

		if err := u.api.PutDoclist(ctx, siteQID, docIDs); err != nil {
			return res, wrap(err, "uploading doclist for "+list.QueryID)
		}
		res.Doclists++
		u.log.Debug("Uploaded doclist", "query_id", list.QueryID, "documents", len(docIDs))
	}

	u.log.Info("Uploaded run", "doclists", res.Doclists, "documents", res.Documents)
	return res, nil
}

// PlaceholderDocument builds the stand-in document uploaded for a run
// entry when the site has no document text.
func PlaceholderDocument(siteDocID string) client.Document {
	return client.Document{
		SiteDocID:       siteDocID,
		Title:           "Dummy Title " + siteDocID,
		Content:         base64.StdEncoding.EncodeToString([]byte("Dummy Content " + siteDocID)),
		ContentEncoding: "base64",
	}
}

// wrap keeps the code of an API error and adds context to it.
func wrap(err error, message string) error {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeInternal
	}
	return apperrors.Wrap(code, message, err)
}
