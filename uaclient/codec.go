package uaclient

import (
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// statusGood reports whether a status code carries good severity
func statusGood(code ua.StatusCode) bool {
	return uint32(code)>>30 == 0
}

// variantTypeName maps a variant type ID to its OPC UA type name
func variantTypeName(id ua.TypeID) string {
	switch id {
	case ua.TypeIDBoolean:
		return "Boolean"
	case ua.TypeIDSByte:
		return "SByte"
	case ua.TypeIDByte:
		return "Byte"
	case ua.TypeIDInt16:
		return "Int16"
	case ua.TypeIDUint16:
		return "UInt16"
	case ua.TypeIDInt32:
		return "Int32"
	case ua.TypeIDUint32:
		return "UInt32"
	case ua.TypeIDInt64:
		return "Int64"
	case ua.TypeIDUint64:
		return "UInt64"
	case ua.TypeIDFloat:
		return "Float"
	case ua.TypeIDDouble:
		return "Double"
	case ua.TypeIDString:
		return "String"
	case ua.TypeIDDateTime:
		return "DateTime"
	case ua.TypeIDGUID:
		return "Guid"
	case ua.TypeIDByteString:
		return "ByteString"
	case ua.TypeIDXMLElement:
		return "XmlElement"
	case ua.TypeIDNodeID:
		return "NodeId"
	case ua.TypeIDExpandedNodeID:
		return "ExpandedNodeId"
	case ua.TypeIDStatusCode:
		return "StatusCode"
	case ua.TypeIDQualifiedName:
		return "QualifiedName"
	case ua.TypeIDLocalizedText:
		return "LocalizedText"
	case ua.TypeIDVariant:
		return "Variant"
	default:
		return fmt.Sprintf("TypeID(%d)", int(id))
	}
}

// decodeDataValue converts a raw protocol data value into the gateway value model
func decodeDataValue(dv *ua.DataValue) Value {
	if dv == nil {
		return Value{DataType: "Null", Good: false, Status: "no value"}
	}
	decoded := Value{
		Good:            statusGood(dv.Status),
		Status:          fmt.Sprintf("0x%08X", uint32(dv.Status)),
		SourceTimestamp: dv.SourceTimestamp,
	}
	if dv.Value != nil {
		decoded.DataType = variantTypeName(dv.Value.Type())
		decoded.Value = dv.Value.Value()
	} else {
		decoded.DataType = "Null"
	}
	return decoded
}
