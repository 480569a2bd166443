package common

import (
	"github.com/apex/log"
)

// RequestParam records a REST request's parameters for logging through its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Host is the host the request was addressed to
	Host string `json:"host"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
	// RemoteAddr is the network address the request came from
	RemoteAddr string `json:"remote_address"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_host"] = i.Host
	tags["request_method"] = i.Method
	tags["request_uri"] = i.URI
	tags["request_remote_address"] = i.RemoteAddr
}
