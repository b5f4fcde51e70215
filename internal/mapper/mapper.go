// Package mapper translates between indexd payloads and the DOS schema.
// Every function here is pure: no I/O, no clock, no shared state.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"

	errordefs "github.com/dosproxy/dos-indexd-go/internal/errors"
	"github.com/dosproxy/dos-indexd-go/internal/model"
)

// RecordToDataObject converts an indexd record into a DOS DataObject.
// Timestamps are copied verbatim. Checksums are ordered by algorithm name.
// Returns a DOS_MALFORMED_RECORD error when did, file_name or size is absent.
func RecordToDataObject(rec model.IndexRecord) (model.DataObject, error) {
	if err := checkRequired(rec); err != nil {
		return model.DataObject{}, err
	}

	obj := model.DataObject{
		ID:        rec.DID,
		Name:      rec.FileName,
		Created:   rec.CreatedDate,
		Updated:   rec.UpdatedDate,
		Size:      *rec.Size,
		Version:   rec.Rev,
		Checksums: make([]model.Checksum, 0, len(rec.Hashes)),
		URLs:      make([]model.URL, 0, len(rec.URLs)),
	}

	algorithms := make([]string, 0, len(rec.Hashes))
	for alg := range rec.Hashes {
		algorithms = append(algorithms, alg)
	}
	sort.Strings(algorithms)
	for _, alg := range algorithms {
		obj.Checksums = append(obj.Checksums, model.Checksum{Checksum: rec.Hashes[alg], Type: alg})
	}

	source := rec.Raw
	if len(source) == 0 && len(rec.URLs) > 0 {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return model.DataObject{}, errordefs.Wrap(errordefs.DOS_MALFORMED_RECORD,
				fmt.Sprintf("index record %s could not be encoded", rec.DID), err)
		}
		source = encoded
	}
	for _, u := range rec.URLs {
		obj.URLs = append(obj.URLs, model.URL{
			URL:            u,
			SystemMetadata: source,
			UserMetadata:   rec.Metadata,
		})
	}

	return obj, nil
}

func checkRequired(rec model.IndexRecord) error {
	var missing []string
	if rec.DID == "" {
		missing = append(missing, "did")
	}
	if rec.FileName == "" {
		missing = append(missing, "file_name")
	}
	if rec.Size == nil {
		missing = append(missing, "size")
	}
	if len(missing) == 0 {
		return nil
	}
	return errordefs.New(errordefs.DOS_MALFORMED_RECORD,
		fmt.Sprintf("index record is missing required fields: %v", missing), "")
}

// ListRequestToQuery copies page_size to limit and page_token to start.
// Absent fields stay nil so the upstream receives no filter for them.
func ListRequestToQuery(req model.ListRequest) model.ListQuery {
	var q model.ListQuery
	if req.PageSize != nil {
		limit := *req.PageSize
		q.Limit = &limit
	}
	// An empty token means no paging, same as an absent one.
	if req.PageToken != nil && *req.PageToken != "" {
		start := *req.PageToken
		q.Start = &start
	}
	return q
}

// ListToListResponse builds one {id} stub per identifier, preserving upstream
// order. The next page token is the last identifier of a non-empty page.
func ListToListResponse(list model.IndexList) model.ListResponse {
	resp := model.ListResponse{
		DataObjects: make([]model.DataObjectRef, 0, len(list.IDs)),
	}
	for _, id := range list.IDs {
		resp.DataObjects = append(resp.DataObjects, model.DataObjectRef{ID: id})
	}
	if n := len(list.IDs); n > 0 {
		last := list.IDs[n-1]
		resp.NextPageToken = &last
	}
	return resp
}

// AppendSignedURL returns obj with a bare {url} entry appended.
// The receiver's URL slice is not modified.
func AppendSignedURL(obj model.DataObject, signed string) model.DataObject {
	urls := make([]model.URL, len(obj.URLs), len(obj.URLs)+1)
	copy(urls, obj.URLs)
	obj.URLs = append(urls, model.URL{URL: signed})
	return obj
}
