package gtp

import (
	"fmt"

	"github.com/wmnsk/go-gtp/gtpv2/message"
)

// Category classifies a GTPv2-C message type for the procedure machinery.
type Category int

const (
	CatOther Category = iota
	CatRequest
	CatResponse
)

// CategoryOf returns whether a message type is an initial request or a
// triggered response.
func CategoryOf(msgType uint8) Category {
	switch msgType {
	case message.MsgTypeCreateSessionRequest,
		message.MsgTypeModifyBearerRequest,
		message.MsgTypeDeleteSessionRequest,
		message.MsgTypeCreateBearerRequest,
		message.MsgTypeUpdateBearerRequest,
		message.MsgTypeDeleteBearerRequest,
		message.MsgTypeReleaseAccessBearersRequest:
		return CatRequest
	case message.MsgTypeCreateSessionResponse,
		message.MsgTypeModifyBearerResponse,
		message.MsgTypeDeleteSessionResponse,
		message.MsgTypeCreateBearerResponse,
		message.MsgTypeUpdateBearerResponse,
		message.MsgTypeDeleteBearerResponse,
		message.MsgTypeReleaseAccessBearersResponse:
		return CatResponse
	default:
		return CatOther
	}
}

// IsInitialRequest reports whether a message type may legitimately arrive
// with a zero TEID and create a new session.
func IsInitialRequest(msgType uint8) bool {
	return msgType == message.MsgTypeCreateSessionRequest
}

// TypeName returns a short display name for a message type.
func TypeName(msgType uint8) string {
	switch msgType {
	case message.MsgTypeCreateSessionRequest:
		return "Create-Session-Req"
	case message.MsgTypeCreateSessionResponse:
		return "Create-Session-Rsp"
	case message.MsgTypeModifyBearerRequest:
		return "Modify-Bearer-Req"
	case message.MsgTypeModifyBearerResponse:
		return "Modify-Bearer-Rsp"
	case message.MsgTypeDeleteSessionRequest:
		return "Delete-Session-Req"
	case message.MsgTypeDeleteSessionResponse:
		return "Delete-Session-Rsp"
	case message.MsgTypeCreateBearerRequest:
		return "Create-Bearer-Req"
	case message.MsgTypeCreateBearerResponse:
		return "Create-Bearer-Rsp"
	case message.MsgTypeUpdateBearerRequest:
		return "Update-Bearer-Req"
	case message.MsgTypeUpdateBearerResponse:
		return "Update-Bearer-Rsp"
	case message.MsgTypeDeleteBearerRequest:
		return "Delete-Bearer-Req"
	case message.MsgTypeDeleteBearerResponse:
		return "Delete-Bearer-Rsp"
	case message.MsgTypeReleaseAccessBearersRequest:
		return "Release-Access-Bearers-Req"
	case message.MsgTypeReleaseAccessBearersResponse:
		return "Release-Access-Bearers-Rsp"
	default:
		return fmt.Sprintf("Unknown(%d)", msgType)
	}
}
