package uaclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gopcua/opcua/ua"
)

// ErrInvalidNodeID indicates a node ID string which does not parse
var ErrInvalidNodeID = errors.New("invalid node ID")

// ValidateNodeID verifies a node ID string parses under OPC UA syntax
func ValidateNodeID(nodeID string) error {
	if _, err := ua.ParseNodeID(nodeID); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, nodeID, err)
	}
	return nil
}

// DeadbandMode is the closed set of deadband filter modes
type DeadbandMode int

// Supported deadband filter modes
const (
	// DeadbandNone applies no deadband filtering
	DeadbandNone DeadbandMode = iota
	// DeadbandAbsolute filters changes below an absolute threshold
	DeadbandAbsolute
	// DeadbandPercent filters changes below a percentage of the value range
	DeadbandPercent
)

// ErrUnknownDeadbandMode indicates a deadband mode name outside the supported set
var ErrUnknownDeadbandMode = errors.New("unknown deadband mode")

// ParseDeadbandMode resolves a deadband mode name into the closed mode set.
// Resolution happens once at the API boundary; everything downstream deals
// only in DeadbandMode values.
func ParseDeadbandMode(name string) (DeadbandMode, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return DeadbandNone, nil
	case "absolute":
		return DeadbandAbsolute, nil
	case "percent":
		return DeadbandPercent, nil
	default:
		return DeadbandNone, fmt.Errorf("%w: %s", ErrUnknownDeadbandMode, name)
	}
}

// String returns the canonical name of the mode
func (m DeadbandMode) String() string {
	switch m {
	case DeadbandAbsolute:
		return "absolute"
	case DeadbandPercent:
		return "percent"
	default:
		return "none"
	}
}
