// Package storageapi prepares file uploads against the Storage API. A
// prepared file carries the bucket, key prefix, ACL and temporary
// credentials the slices are uploaded with.
package storageapi

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// PrepareRequest describes the file about to be uploaded.
type PrepareRequest struct {
	Name            string
	SizeBytes       int64
	Sliced          bool
	FederationToken bool
	Encrypted       bool
	Public          bool
	Tags            []string
}

// PreparedFile is the Storage API answer to a prepare call.
type PreparedFile struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Region       string       `json:"region"`
	IsSliced     bool         `json:"isSliced"`
	IsEncrypted  bool         `json:"isEncrypted"`
	SizeBytes    int64        `json:"sizeBytes"`
	UploadParams UploadParams `json:"uploadParams"`
}

// UploadParams tell the uploader where the slices go.
type UploadParams struct {
	Bucket               string      `json:"bucket"`
	Key                  string      `json:"key"`
	ACL                  string      `json:"acl"`
	Credentials          Credentials `json:"credentials"`
	ServerSideEncryption string      `json:"x-amz-server-side-encryption,omitempty"`
}

// Credentials are temporary federation token credentials.
type Credentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration,omitempty"`
}

// Offline prepares uploads without a Storage API. Useful against blob
// backends where no temporary credentials are needed.
type Offline struct {
	Bucket string
	Prefix string // key prefix all prepared files are placed under
	Region string

	seq atomic.Int64
}

// Prepare returns a locally generated preparation. File ids increase
// monotonically from the current unix time.
func (o *Offline) Prepare(ctx context.Context, req *PrepareRequest) (*PreparedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("prepare: file name required")
	}

	o.seq.CompareAndSwap(0, time.Now().Unix())
	id := o.seq.Add(1)

	sse := ""
	if req.Encrypted {
		sse = "AES256"
	}

	return &PreparedFile{
		ID:          id,
		Name:        req.Name,
		Region:      o.Region,
		IsSliced:    req.Sliced,
		IsEncrypted: req.Encrypted,
		SizeBytes:   req.SizeBytes,
		UploadParams: UploadParams{
			Bucket:               o.Bucket,
			Key:                  fmt.Sprintf("%s%d.%s/", o.Prefix, id, req.Name),
			ACL:                  "private",
			ServerSideEncryption: sse,
		},
	}, nil
}
