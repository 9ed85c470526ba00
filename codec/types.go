package codec

// FileAttribute is a type/value pair describing a shared file (bitrate,
// duration, sample rate, and so on — the meaning of Type is a collaborator
// concern, not the codec's).
type FileAttribute struct {
	Type  uint32
	Value uint32
}

// File is one entry in a directory listing.
type File struct {
	Filename   string
	Size       uint64
	Extension  string
	Attributes []FileAttribute
}

// Directory is a named collection of files. Locked reflects which list the
// directory was decoded from (directories vs lockedDirectories); the codec
// preserves the name's path separator verbatim, whichever one a peer sent.
type Directory struct {
	Name   string
	Files  []File
	Locked bool
}
