// Package uaclient wraps the OPC UA protocol stack behind a narrow contract.
//
// Everything above this package deals in node ID strings, decoded values, and
// opaque item handles. Protocol details (endpoint descriptions, variants,
// monitored item plumbing) stay behind the Client / Session / Subscription
// interfaces so the rest of the gateway can be exercised against fakes.
package uaclient

import (
	"context"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Endpoint is one endpoint candidate discovered from an OPC UA server
type Endpoint struct {
	// URL is the endpoint URL reported by the server
	URL string
	// SecurityMode is the message security mode of this endpoint
	SecurityMode string
	// SecurityPolicy is the security policy URI of this endpoint
	SecurityPolicy string
	// SecurityLevel is the server assigned relative ranking of this endpoint
	SecurityLevel uint8
	// desc is the raw endpoint description, when discovered through a live server
	desc *ua.EndpointDescription
}

// BrowseDirection selects which way a browse call follows references
type BrowseDirection int

// Supported browse directions
const (
	BrowseForward BrowseDirection = iota
	BrowseInverse
)

// ReferenceKind is the closed set of reference types the gateway browses by
type ReferenceKind int

// Supported reference kinds
const (
	// RefHierarchical covers all hierarchical references
	RefHierarchical ReferenceKind = iota
	// RefHasTypeDefinition links an instance to its type node
	RefHasTypeDefinition
	// RefHasSubtype links a type to its subtypes
	RefHasSubtype
	// RefHasProperty links a node to its property nodes
	RefHasProperty
)

// BrowseEdge is one reference returned by a browse call
type BrowseEdge struct {
	// Target is the node ID string of the reference target
	Target string
	// DisplayName is the display name of the target node
	DisplayName string
	// NodeClass is the node class name of the target node
	NodeClass string
}

// NodeInfo is the node descriptor returned when reading a node's definition
type NodeInfo struct {
	// ID is the node ID string
	ID string
	// DisplayName is the node display name
	DisplayName string
	// NodeClass is the node class name
	NodeClass string
	// DataType is the node ID string of the value's data type. Empty for
	// nodes without a value attribute.
	DataType string
}

// Value is a decoded attribute value
type Value struct {
	// DataType names the wire type of the value
	DataType string
	// Value is the decoded Go representation of the value
	Value interface{}
	// Good indicates whether the associated status code signals success
	Good bool
	// Status is the textual form of the associated status code
	Status string
	// SourceTimestamp is the source timestamp reported with the value
	SourceTimestamp time.Time
}

// RawSample is an un-decoded value change sample as delivered by the
// protocol stack. Decode through Session.DecodeValue.
type RawSample struct {
	Data *ua.DataValue
}

// ItemHandle identifies one monitored item within a driver instance
type ItemHandle uint32

// ItemRequest describes one value node to monitor
type ItemRequest struct {
	// NodeID is the node ID string of the value node
	NodeID string
	// SamplingInterval is the requested sampling interval for this item
	SamplingInterval time.Duration
	// Deadband selects the deadband filter attached to the item
	Deadband DeadbandMode
	// DeadbandValue is the filter threshold. Ignored when Deadband is DeadbandNone.
	DeadbandValue float64
}

// NotificationHandler receives value change samples for one monitored item.
//
// The driver invokes the handler in server publish order. Handlers must not
// block; heavy work belongs on a separate processing loop.
type NotificationHandler func(item ItemHandle, samples []RawSample)

// Client discovers servers and opens sessions against them
type Client interface {
	// DiscoverEndpoints lists the endpoint candidates a server exposes,
	// in the order the server reported them
	DiscoverEndpoints(ctxt context.Context, serverURL string) ([]Endpoint, error)
	// OpenSession establishes a session against one discovered endpoint
	OpenSession(ctxt context.Context, endpoint Endpoint) (Session, error)
}

// Session is one established OPC UA session
type Session interface {
	// Endpoint returns the endpoint this session was opened against
	Endpoint() Endpoint
	// ReadValue reads the value attribute of a node
	ReadValue(ctxt context.Context, nodeID string) (Value, error)
	// ReadNode reads a node's descriptor attributes
	ReadNode(ctxt context.Context, nodeID string) (NodeInfo, error)
	// WriteValue writes the value attribute of a node
	WriteValue(ctxt context.Context, nodeID string, value interface{}) error
	// Browse follows references of one kind from a node
	Browse(
		ctxt context.Context, nodeID string, ref ReferenceKind, direction BrowseDirection,
	) ([]BrowseEdge, error)
	// Subscribe creates a protocol subscription with the given publishing
	// interval. Value change samples are delivered to notify.
	Subscribe(
		ctxt context.Context, interval time.Duration, notify NotificationHandler,
	) (Subscription, error)
	// DecodeValue re-reads the source node's definition and decodes a raw
	// sample against the node's current type metadata
	DecodeValue(ctxt context.Context, nodeID string, raw RawSample) (Value, error)
	// Close tears the session down
	Close(ctxt context.Context) error
}

// Subscription is one protocol subscription within a session
type Subscription interface {
	// PublishingInterval returns the current publishing interval
	PublishingInterval() time.Duration
	// SetPublishingInterval changes the publishing interval while keeping
	// all monitored items and their handles intact
	SetPublishingInterval(ctxt context.Context, interval time.Duration) error
	// AddItem registers one monitored item. On error nothing was added.
	AddItem(ctxt context.Context, request ItemRequest) (ItemHandle, error)
	// RemoveItem deregisters one monitored item
	RemoveItem(ctxt context.Context, item ItemHandle) error
	// Delete removes the subscription and all its items
	Delete(ctxt context.Context) error
}

// Well known node ID strings of the OPC UA address space
const (
	// NodeFolderType is the FolderType object type node
	NodeFolderType = "i=61"
	// NodeBaseObjectType is the BaseObjectType object type node
	NodeBaseObjectType = "i=58"
	// NodeNumberType is the Number data type node
	NodeNumberType = "i=26"
	// NodeBaseDataType is the BaseDataType data type node
	NodeBaseDataType = "i=24"
	// NodeServerStatusState is the Server_ServerStatus_State variable node
	NodeServerStatusState = "i=2259"
)

// ServerStateRunning is the ServerState enum value signaling a healthy server
const ServerStateRunning = int64(0)

// EURangePropertyName is the browse display name of the analog item range property
const EURangePropertyName = "EURange"
