// internal/model/dos.go
// Package model defines the data structures exchanged by the DOS proxy.
// Index types mirror the upstream indexd payloads; DOS types mirror the
// GA4GH Data Object Service schema served to callers.
package model

import "encoding/json"

// IndexRecord represents a single record returned by indexd at /index/{did}.
// Required fields are pointers or checked for emptiness by the mapper so that
// absence can be told apart from a zero value.
type IndexRecord struct {
	DID          string            `json:"did"`                     // Upstream object identifier
	BaseID       string            `json:"baseid,omitempty"`        // Identifier shared by all versions
	Rev          string            `json:"rev,omitempty"`           // Revision tag
	Form         string            `json:"form,omitempty"`          // Record form (object, container, multipart)
	FileName     string            `json:"file_name"`               // Human-readable file name
	CreatedDate  string            `json:"created_date,omitempty"`  // Passed through unmodified
	UpdatedDate  string            `json:"updated_date,omitempty"`  // Passed through unmodified
	Size         *int64            `json:"size"`                    // Object size in bytes
	Version      string            `json:"version,omitempty"`       // User-assigned version, usually null
	Uploader     string            `json:"uploader,omitempty"`      // Uploader recorded by indexd
	Hashes       map[string]string `json:"hashes"`                  // Algorithm name to hex digest
	URLs         []string          `json:"urls"`                    // Ordered storage locations
	ACL          []string          `json:"acl,omitempty"`           // Access control list
	Authz        []string          `json:"authz,omitempty"`         // Authorization resources
	Metadata     map[string]string `json:"metadata"`                // Free-form user metadata
	URLsMetadata map[string]any    `json:"urls_metadata,omitempty"` // Per-URL metadata

	Raw json.RawMessage `json:"-"` // Validated upstream body, unmodified
}

// IndexList represents the indexd response for GET /index/.
type IndexList struct {
	IDs []string `json:"ids"`
}

// ListQuery holds the indexd query parameters derived from a DOS list request.
// A nil field means the parameter is omitted from the upstream request.
type ListQuery struct {
	Limit *int    // indexd "limit"
	Start *string // indexd "start"
}

// Checksum is a single {checksum, type} pair of a DataObject.
type Checksum struct {
	Checksum string `json:"checksum"`
	Type     string `json:"type"`
}

// URL is a location of a DataObject. Entries derived from indexd carry the
// source record body as system metadata and its metadata as user metadata; a
// signed download URL is encoded as a bare {url}.
type URL struct {
	URL            string            `json:"url"`
	SystemMetadata json.RawMessage   `json:"system_metadata,omitempty"`
	UserMetadata   map[string]string `json:"user_metadata,omitempty"`
}

// MarshalJSON always writes user_metadata for indexd-derived entries, even
// when the record's metadata is empty or null.
func (u URL) MarshalJSON() ([]byte, error) {
	if u.SystemMetadata == nil {
		return json.Marshal(struct {
			URL string `json:"url"`
		}{u.URL})
	}
	return json.Marshal(struct {
		URL            string            `json:"url"`
		SystemMetadata json.RawMessage   `json:"system_metadata"`
		UserMetadata   map[string]string `json:"user_metadata"`
	}{u.URL, u.SystemMetadata, u.UserMetadata})
}

// DataObject is the DOS representation of an indexd record.
type DataObject struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Created   string     `json:"created,omitempty"`
	Updated   string     `json:"updated,omitempty"`
	Size      int64      `json:"size"`
	Version   string     `json:"version,omitempty"`
	Checksums []Checksum `json:"checksums"`
	URLs      []URL      `json:"urls"`
}

// DataObjectRef is the minimal {id} stub returned by list operations.
type DataObjectRef struct {
	ID string `json:"id"`
}

// GetDataObjectResponse is the DOS envelope for GET /dataobjects/{id}.
type GetDataObjectResponse struct {
	DataObject DataObject `json:"data_object"`
}

// ListRequest is the optional JSON body of POST /dataobjects/list.
type ListRequest struct {
	PageSize  *int    `json:"page_size,omitempty"`
	PageToken *string `json:"page_token,omitempty"`
}

// ListResponse is the DOS response for POST /dataobjects/list.
// NextPageToken is omitted when the page is empty.
type ListResponse struct {
	DataObjects   []DataObjectRef `json:"data_objects"`
	NextPageToken *string         `json:"next_page_token,omitempty"`
}

// SignedURLResponse is the payload returned by the download service.
type SignedURLResponse struct {
	URL string `json:"url"`
}
