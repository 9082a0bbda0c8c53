package errors

import "errors"

var (
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrMissingSignature   = errors.New("missing webhook signature")
	ErrMalformedSignature = errors.New("malformed webhook signature")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMalformedEvent     = errors.New("malformed push event")
	ErrUnsupportedRefType = errors.New("unsupported ref type")
	ErrArchiveFetch       = errors.New("failed to fetch archive")
	ErrArchiveUpload      = errors.New("failed to upload archive")
)
