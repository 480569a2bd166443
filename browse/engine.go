// Package browse answers structural questions about a server's address space
// by walking browse references through registered sessions.
package browse

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/session"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// ErrNoTypeDefinition indicates a node without a type definition reference
var ErrNoTypeDefinition = errors.New("node has no type definition")

// ErrTypeHierarchyTooDeep indicates a type walk which exceeded the step bound
var ErrTypeHierarchyTooDeep = errors.New("type hierarchy too deep")

// ErrWriteRejected indicates the server refused a value write
var ErrWriteRejected = errors.New("write rejected")

// maxTypeWalkSteps bounds upward type hierarchy walks against reference cycles
const maxTypeWalkSteps = 1000

// DeadbandSupport describes which deadband filter modes a value node accepts
type DeadbandSupport struct {
	// Absolute is set when the node's data type is numeric
	Absolute bool
	// Percent is set when the node carries an EURange property
	Percent bool
}

// String renders the support combination for API responses
func (s DeadbandSupport) String() string {
	switch {
	case s.Absolute && s.Percent:
		return "absolute_and_percent"
	case s.Absolute:
		return "absolute"
	case s.Percent:
		return "percent"
	default:
		return "none"
	}
}

// Engine resolves browse and attribute operations against servers
type Engine interface {
	// Children lists the hierarchical child references of a node
	Children(ctxt context.Context, serverURL, nodeID string) ([]uaclient.BrowseEdge, error)
	// IsContainer reports whether a node's type derives from FolderType
	IsContainer(ctxt context.Context, serverURL, nodeID string) (bool, error)
	// DeadbandModesFor determines which deadband filter modes a value node accepts
	DeadbandModesFor(ctxt context.Context, serverURL, nodeID string) (DeadbandSupport, error)
	// ReadValue reads the current value of a node
	ReadValue(ctxt context.Context, serverURL, nodeID string) (uaclient.Value, error)
	// WriteValue writes a new value to a node
	WriteValue(ctxt context.Context, serverURL, nodeID string, value interface{}) error
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	sessions session.Registry
}

// DefineEngine create a browse engine operating through the session registry
func DefineEngine(sessions session.Registry) (Engine, error) {
	logTags := log.Fields{"module": "browse", "component": "engine"}
	return &engineImpl{
		Component: common.Component{LogTags: logTags}, sessions: sessions,
	}, nil
}

// Children lists the hierarchical child references of a node
func (e *engineImpl) Children(
	ctxt context.Context, serverURL, nodeID string,
) ([]uaclient.BrowseEdge, error) {
	established, err := e.sessions.GetOrCreateSession(ctxt, serverURL)
	if err != nil {
		return nil, err
	}
	return established.Browse(ctxt, nodeID, uaclient.RefHierarchical, uaclient.BrowseForward)
}

// IsContainer reports whether a node's type derives from FolderType.
//
// The walk starts at the node's type definition and follows HasSubtype
// references upward one level at a time. Reaching FolderType classifies the
// node as a container, reaching BaseObjectType as not one.
func (e *engineImpl) IsContainer(
	ctxt context.Context, serverURL, nodeID string,
) (bool, error) {
	established, err := e.sessions.GetOrCreateSession(ctxt, serverURL)
	if err != nil {
		return false, err
	}
	typeRefs, err := established.Browse(
		ctxt, nodeID, uaclient.RefHasTypeDefinition, uaclient.BrowseForward,
	)
	if err != nil {
		return false, err
	}
	if len(typeRefs) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoTypeDefinition, nodeID)
	}
	current := typeRefs[0].Target
	for step := 0; step < maxTypeWalkSteps; step++ {
		switch current {
		case uaclient.NodeFolderType:
			return true, nil
		case uaclient.NodeBaseObjectType:
			return false, nil
		}
		parents, err := established.Browse(
			ctxt, current, uaclient.RefHasSubtype, uaclient.BrowseInverse,
		)
		if err != nil {
			return false, err
		}
		if len(parents) == 0 {
			// Type lattice ended without reaching a terminal type
			log.WithFields(e.LogTags).Debugf(
				"Type walk from %s ended at %s without terminal", nodeID, current,
			)
			return false, nil
		}
		current = parents[0].Target
	}
	return false, fmt.Errorf("%w: walking type of %s", ErrTypeHierarchyTooDeep, nodeID)
}

// isNumericDataType walks a data type's HasSubtype chain upward, reporting
// whether it derives from the abstract Number type
func (e *engineImpl) isNumericDataType(
	ctxt context.Context, established uaclient.Session, dataType string,
) (bool, error) {
	current := dataType
	for step := 0; step < maxTypeWalkSteps; step++ {
		switch current {
		case uaclient.NodeNumberType:
			return true, nil
		case uaclient.NodeBaseDataType:
			return false, nil
		}
		parents, err := established.Browse(
			ctxt, current, uaclient.RefHasSubtype, uaclient.BrowseInverse,
		)
		if err != nil {
			return false, err
		}
		if len(parents) == 0 {
			return false, nil
		}
		current = parents[0].Target
	}
	return false, fmt.Errorf("%w: walking data type %s", ErrTypeHierarchyTooDeep, dataType)
}

// DeadbandModesFor determines which deadband filter modes a value node accepts
func (e *engineImpl) DeadbandModesFor(
	ctxt context.Context, serverURL, nodeID string,
) (DeadbandSupport, error) {
	established, err := e.sessions.GetOrCreateSession(ctxt, serverURL)
	if err != nil {
		return DeadbandSupport{}, err
	}
	info, err := established.ReadNode(ctxt, nodeID)
	if err != nil {
		return DeadbandSupport{}, err
	}
	support := DeadbandSupport{}
	if info.DataType != "" {
		numeric, err := e.isNumericDataType(ctxt, established, info.DataType)
		if err != nil {
			return DeadbandSupport{}, err
		}
		support.Absolute = numeric
	}
	properties, err := established.Browse(
		ctxt, nodeID, uaclient.RefHasProperty, uaclient.BrowseForward,
	)
	if err != nil {
		return DeadbandSupport{}, err
	}
	for _, oneProperty := range properties {
		if oneProperty.DisplayName == uaclient.EURangePropertyName {
			support.Percent = true
			break
		}
	}
	return support, nil
}

// ReadValue reads the current value of a node
func (e *engineImpl) ReadValue(
	ctxt context.Context, serverURL, nodeID string,
) (uaclient.Value, error) {
	established, err := e.sessions.GetOrCreateSession(ctxt, serverURL)
	if err != nil {
		return uaclient.Value{}, err
	}
	return established.ReadValue(ctxt, nodeID)
}

// WriteValue writes a new value to a node
func (e *engineImpl) WriteValue(
	ctxt context.Context, serverURL, nodeID string, value interface{},
) error {
	established, err := e.sessions.GetOrCreateSession(ctxt, serverURL)
	if err != nil {
		return err
	}
	if err := established.WriteValue(ctxt, nodeID, value); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Write %s on %s failed", nodeID, serverURL,
		)
		// Only actual server refusals become write rejections. Transport
		// and session failures keep their own identity so callers can tell
		// a dead server from a bad write.
		var statusErr *uaclient.StatusError
		if errors.Is(err, uaclient.ErrTypeMismatch) || errors.As(err, &statusErr) {
			return fmt.Errorf("%w: %s: %s", ErrWriteRejected, nodeID, err)
		}
		return err
	}
	return nil
}
