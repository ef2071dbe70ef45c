// Package remote provides a typed HTTP client for the tracker service.
//
// The client is a thin transport: it maps endpoints to Go calls and decodes
// the snake_case JSON the backend serves. It never touches the local cache.
// History listings are decoded per element so one malformed record does not
// hide its well-formed neighbours; the sync engine decides what to keep.
package remote
