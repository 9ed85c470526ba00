// Package codec implements the Soulseek wire framing: little-endian
// length-prefixed frames, three message code spaces, and the deflate
// boundary used by compressed payloads.
package codec

// CodeSpace identifies which of the three Soulseek message namespaces a
// frame's code is interpreted in.
type CodeSpace int

const (
	Server CodeSpace = iota
	Peer
	Distributed
)

func (s CodeSpace) String() string {
	switch s {
	case Server:
		return "Server"
	case Peer:
		return "Peer"
	case Distributed:
		return "Distributed"
	default:
		return "Unknown"
	}
}

// Representative Server-space codes.
const (
	CodeServerLogin                     uint32 = 1
	CodeServerSetListenPort             uint32 = 2
	CodeServerGetPeerAddress            uint32 = 3
	CodeServerAddUser                   uint32 = 5
	CodeServerGetStatus                 uint32 = 7
	CodeServerConnectToPeer             uint32 = 18
	CodeServerPrivateMessage            uint32 = 22
	CodeServerAcknowledgePrivateMessage uint32 = 23
	CodeServerFileSearch                uint32 = 26
	CodeServerSetOnlineStatus           uint32 = 28
	CodeServerSharedFoldersAndFiles     uint32 = 35
	// CodeServerCantConnectToPeer keeps the teacher's own constant: the
	// corpus supplies no other source for the "real" wire value (see
	// DESIGN.md open-question decisions).
	CodeServerCantConnectToPeer uint32 = 1001
)

// Representative Peer-space codes.
const (
	CodePeerBrowseRequest       uint32 = 4
	CodePeerBrowseResponse      uint32 = 5
	CodePeerSearchRequest       uint32 = 8
	CodePeerInfoRequest         uint32 = 15
	CodePeerPlaceInQueueRequest uint32 = 51
	CodePeerTransferRequest     uint32 = 40
	CodePeerTransferResponse    uint32 = 41
	CodePeerQueueUpload         uint32 = 43
	CodePeerPlaceInQueueResp    uint32 = 44
	CodePeerUploadFailed        uint32 = 46
	CodePeerUploadDenied        uint32 = 50
)

// Distributed-space codes are a single byte, not four.
const (
	CodeDistributedSearchRequest   uint8 = 3
	CodeDistributedBranchLevel     uint8 = 4
	CodeDistributedBranchRoot      uint8 = 5
	CodeDistributedEmbeddedMessage uint8 = 93
)

// Handshake codes live outside every code space: they open a fresh socket
// before any framed traffic and use a single byte.
const (
	HandshakePierceFirewall uint8 = 0
	HandshakePeerInit       uint8 = 1
)
