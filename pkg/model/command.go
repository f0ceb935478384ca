package model

// HeartBeatRequest is the liveness message broadcast by the tracker
type HeartBeatRequest struct {
	TrackerID uint64 `json:"tracker_id"`
	Epoch     uint64 `json:"epoch"`
}

// HeartBeatResponse is the heartbeat response
type HeartBeatResponse struct {
	Ok bool `json:"ok"`
	// Epoch is the receiver's epoch, lets a stale tracker resynchronize
	Epoch   uint64 `json:"epoch"`
	Message string `json:"message,omitempty"`
}

func HBResponse(resp *HeartBeatResponse, ok bool, epoch uint64, msg string) {
	resp.Ok = ok
	resp.Epoch = epoch
	resp.Message = msg
}

// RequestVoteRequest is the vote request
type RequestVoteRequest struct {
	CandidateID uint64 `json:"candidate_id"`
	Epoch       uint64 `json:"epoch"`
}

// RequestVoteResponse is the vote response
type RequestVoteResponse struct {
	Vote    bool   `json:"vote"`
	Epoch   uint64 `json:"epoch"`
	Message string `json:"message,omitempty"`
}

func VoteResponse(resp *RequestVoteResponse, vote bool, epoch uint64, msg string) {
	resp.Vote = vote
	resp.Epoch = epoch
	resp.Message = msg
}

// UpdateRegistryRequest carries the full file list of a peer
type UpdateRegistryRequest struct {
	PeerID uint64   `json:"peer_id"`
	Files  []string `json:"files"`
}

// UpdateRegistryResponse acknowledges a registry update
type UpdateRegistryResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// LookupFileRequest asks which peers hold a file
type LookupFileRequest struct {
	Filename string `json:"filename"`
	// Forwarded is set when a non-tracker proxies the call
	Forwarded bool `json:"forwarded,omitempty"`
}

// LookupFileResponse lists the peers holding the file, sorted by id
type LookupFileResponse struct {
	Peers []uint64 `json:"peers"`
}

// ListAllRequest asks for the whole registry
type ListAllRequest struct {
	Forwarded bool `json:"forwarded,omitempty"`
}

// RegistryEntry is the file set advertised by one peer
type RegistryEntry struct {
	PeerID uint64   `json:"peer_id"`
	Files  []string `json:"files"`
}

// ListAllResponse is a registry snapshot ordered by peer id
type ListAllResponse struct {
	Entries []RegistryEntry `json:"entries"`
}

// FileListResponse is the local file set of a peer
type FileListResponse struct {
	Files []string `json:"files"`
}

// FileContentRequest asks a peer for one of its files
type FileContentRequest struct {
	Filename string `json:"filename"`
}

// FileContentResponse carries the file bytes, Found is false when the peer lacks the file
type FileContentResponse struct {
	Found   bool   `json:"found"`
	Content []byte `json:"content,omitempty"`
}
