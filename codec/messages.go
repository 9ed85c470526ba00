package codec

// This file holds the representative message schemas spec.md §6 calls for
// plus the supplemented distributed-branch messages (§5/§8 of SPEC_FULL.md)
// — the framing envelope and code spaces are the codec's real contract; the
// full payload catalog belongs to the excluded client facade.

// distribSearchUnknownField is the leading integer the source writes ahead
// of a distributed search request's fields. Preserved verbatim; see
// DESIGN.md open-question decisions.
const distribSearchUnknownField uint32 = 1

// maxEmbedDepth guards against a malicious or buggy branch parent nesting
// EmbeddedMessage frames without bound.
const maxEmbedDepth = 4

// PeerInit is the handshake an unsolicited direct connection begins with.
type PeerInit struct {
	Username string
	Type     string // "P", "F", or "D"
	Token    uint32
}

func EncodePeerInit(m PeerInit) []byte {
	return NewWriter().WriteString(m.Username).WriteString(m.Type).WriteInt32(m.Token).BuildHandshake(HandshakePeerInit)
}

func DecodePeerInit(body []byte) (PeerInit, error) {
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(HandshakePeerInit)); err != nil {
		return PeerInit{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return PeerInit{}, err
	}
	typ, err := r.ReadString()
	if err != nil {
		return PeerInit{}, err
	}
	token, err := r.ReadInt32()
	if err != nil {
		return PeerInit{}, err
	}
	return PeerInit{Username: username, Type: typ, Token: token}, nil
}

// PierceFirewall is what a peer sends back after being solicited on our
// behalf by the server.
type PierceFirewall struct {
	Token uint32
}

func EncodePierceFirewall(m PierceFirewall) []byte {
	return NewWriter().WriteInt32(m.Token).BuildHandshake(HandshakePierceFirewall)
}

func DecodePierceFirewall(body []byte) (PierceFirewall, error) {
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(HandshakePierceFirewall)); err != nil {
		return PierceFirewall{}, err
	}
	token, err := r.ReadInt32()
	if err != nil {
		return PierceFirewall{}, err
	}
	return PierceFirewall{Token: token}, nil
}

// ConnectToPeerRequest solicits an indirect connection via the server.
type ConnectToPeerRequest struct {
	Token    uint32
	Username string
	Type     string
}

func EncodeConnectToPeerRequest(m ConnectToPeerRequest) []byte {
	return NewWriter().WriteInt32(m.Token).WriteString(m.Username).WriteString(m.Type).Build(CodeServerConnectToPeer)
}

// ConnectToPeerResponse is what the server relays on behalf of a peer that
// received our solicitation.
type ConnectToPeerResponse struct {
	Username   string
	Type       string
	IP         string
	Port       uint32
	Token      uint32
	Privileged uint8
}

func DecodeConnectToPeerResponse(body []byte) (ConnectToPeerResponse, error) {
	r := NewReader(body, Server)
	if err := r.Expect(CodeServerConnectToPeer); err != nil {
		return ConnectToPeerResponse{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	typ, err := r.ReadString()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	ip, err := r.ReadIP()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	port, err := r.ReadInt32()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	token, err := r.ReadInt32()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	privileged, err := r.ReadInt8()
	if err != nil {
		return ConnectToPeerResponse{}, err
	}
	return ConnectToPeerResponse{Username: username, Type: typ, IP: ip, Port: port, Token: token, Privileged: privileged}, nil
}

// CantConnectToPeer tells the server an indirect attempt failed outright.
type CantConnectToPeer struct {
	Token    uint32
	Username string
}

func EncodeCantConnectToPeer(m CantConnectToPeer) []byte {
	return NewWriter().WriteInt32(m.Token).WriteString(m.Username).Build(CodeServerCantConnectToPeer)
}

// PrivateMessage is a server-relayed chat message.
type PrivateMessage struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsAdmin   bool
}

func DecodePrivateMessage(body []byte) (PrivateMessage, error) {
	r := NewReader(body, Server)
	if err := r.Expect(CodeServerPrivateMessage); err != nil {
		return PrivateMessage{}, err
	}
	id, err := r.ReadInt32()
	if err != nil {
		return PrivateMessage{}, err
	}
	ts, err := r.ReadInt32()
	if err != nil {
		return PrivateMessage{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return PrivateMessage{}, err
	}
	message, err := r.ReadString()
	if err != nil {
		return PrivateMessage{}, err
	}
	isAdmin, err := r.ReadBool()
	if err != nil {
		return PrivateMessage{}, err
	}
	return PrivateMessage{ID: id, Timestamp: ts, Username: username, Message: message, IsAdmin: isAdmin}, nil
}

// UserAddressResponse answers a GetPeerAddress request.
type UserAddressResponse struct {
	Username string
	IP       string
	Port     uint32
}

func DecodeUserAddressResponse(body []byte) (UserAddressResponse, error) {
	r := NewReader(body, Server)
	if err := r.Expect(CodeServerGetPeerAddress); err != nil {
		return UserAddressResponse{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return UserAddressResponse{}, err
	}
	ip, err := r.ReadIP()
	if err != nil {
		return UserAddressResponse{}, err
	}
	port, err := r.ReadInt32()
	if err != nil {
		return UserAddressResponse{}, err
	}
	return UserAddressResponse{Username: username, IP: ip, Port: port}, nil
}

// BrowseResponse is a peer's share listing, deflate-compressed on the wire.
type BrowseResponse struct {
	Directories []Directory
}

func EncodeBrowseResponse(m BrowseResponse) []byte {
	w := NewWriter()
	w.WriteBrowseDirectories(m.Directories)
	w.Compress()
	return w.Build(CodePeerBrowseResponse)
}

func DecodeBrowseResponse(body []byte) (BrowseResponse, error) {
	r := NewReader(body, Peer)
	if err := r.Expect(CodePeerBrowseResponse); err != nil {
		return BrowseResponse{}, err
	}
	if err := r.Decompress(); err != nil {
		return BrowseResponse{}, err
	}
	dirs, err := r.ReadBrowseDirectories()
	if err != nil {
		return BrowseResponse{}, err
	}
	return BrowseResponse{Directories: dirs}, nil
}

// DistributedSearchRequest is forwarded down the distributed search tree.
type DistributedSearchRequest struct {
	Username string
	Token    uint32
	Query    string
}

func EncodeDistributedSearchRequest(m DistributedSearchRequest) []byte {
	return NewWriter().
		WriteInt32(distribSearchUnknownField).
		WriteString(m.Username).
		WriteString(m.Query).
		WriteInt32(m.Token).
		BuildDistributed(CodeDistributedSearchRequest)
}

func DecodeDistributedSearchRequest(body []byte) (DistributedSearchRequest, error) {
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(CodeDistributedSearchRequest)); err != nil {
		return DistributedSearchRequest{}, err
	}
	if _, err := r.ReadInt32(); err != nil { // unknown leading field, preserved-but-ignored
		return DistributedSearchRequest{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return DistributedSearchRequest{}, err
	}
	query, err := r.ReadString()
	if err != nil {
		return DistributedSearchRequest{}, err
	}
	token, err := r.ReadInt32()
	if err != nil {
		return DistributedSearchRequest{}, err
	}
	return DistributedSearchRequest{Username: username, Query: query, Token: token}, nil
}

// BranchLevel/BranchRoot carry the distributed-tree bookkeeping a
// distributed peer connection maintains (SPEC_FULL.md §3).
type BranchLevel struct{ Level uint32 }

func EncodeBranchLevel(level uint32) []byte {
	return NewWriter().WriteInt32(level).BuildDistributed(CodeDistributedBranchLevel)
}

func DecodeBranchLevel(body []byte) (BranchLevel, error) {
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(CodeDistributedBranchLevel)); err != nil {
		return BranchLevel{}, err
	}
	level, err := r.ReadInt32()
	if err != nil {
		return BranchLevel{}, err
	}
	return BranchLevel{Level: level}, nil
}

type BranchRoot struct{ Root string }

func EncodeBranchRoot(root string) []byte {
	return NewWriter().WriteString(root).BuildDistributed(CodeDistributedBranchRoot)
}

func DecodeBranchRoot(body []byte) (BranchRoot, error) {
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(CodeDistributedBranchRoot)); err != nil {
		return BranchRoot{}, err
	}
	root, err := r.ReadString()
	if err != nil {
		return BranchRoot{}, err
	}
	return BranchRoot{Root: root}, nil
}

// UnwrapEmbeddedMessage strips a code-93 envelope carrying a nested
// distributed message forwarded from a branch parent. depth guards against
// an embedded message that is itself an embedded-message wrapper.
func UnwrapEmbeddedMessage(body []byte, depth int) (innerCode uint8, innerBody []byte, err error) {
	if depth > maxEmbedDepth {
		return 0, nil, errTruncated("embedded message nested too deeply")
	}
	r := NewReader(body, Distributed)
	if err := r.Expect(uint32(CodeDistributedEmbeddedMessage)); err != nil {
		return 0, nil, err
	}
	innerCode, err = r.ReadInt8()
	if err != nil {
		return 0, nil, err
	}
	return innerCode, r.buf[r.pos:], nil
}
