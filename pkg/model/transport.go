package model

import (
	"context"
	"errors"
)

var (
	// ErrorBadCommand is returned when a command payload can not be decoded
	ErrorBadCommand = errors.New("bad command")
	// ErrorNotTracker is returned by tracker-only operations on other peers
	ErrorNotTracker = errors.New("not tracker")
	// ErrorNoTracker is returned when no tracker can be resolved
	ErrorNoTracker = errors.New("no tracker found")
	// ErrorFileNotFound is returned when a peer does not hold the requested file
	ErrorFileNotFound = errors.New("file not found")
	// ErrorUnknownPeer is returned when a peer id is not registered in the directory
	ErrorUnknownPeer = errors.New("unknown peer")
)

// CommandCode identifies the operation carried by a request.
type CommandCode uint

const (
	HeartBeat CommandCode = iota
	RequestVote
	UpdateRegistry
	LookupFile
	ListAll
	GetFileList
	GetFileContent
	State
)

func (c CommandCode) String() string {
	switch c {
	case HeartBeat:
		return "heartbeat"
	case RequestVote:
		return "request_vote"
	case UpdateRegistry:
		return "update_registry"
	case LookupFile:
		return "lookup_file"
	case ListAll:
		return "list_all"
	case GetFileList:
		return "get_file_list"
	case GetFileContent:
		return "get_file_content"
	case State:
		return "state"
	default:
		return "unknown"
	}
}

// Header is a common structure for both requests and responses.
type Header struct {
	// Node field, which represents the information of a node
	Node Node `json:"node"`
}

// Request represents a structure for the requests.
type Request struct {
	Header
	// CommandCode is the command code.
	CommandCode CommandCode `json:"command_code"`
	// Command is the actual request payload.
	Command any `json:"command"`
}

// Response defines a structure for responses.
type Response struct {
	Header
	// CommandResponse holds the actual response data.
	CommandResponse any `json:"command_response"`
	// Error is empty when the command was successful.
	Error string `json:"error,omitempty"`
}

// CommandHandler represents a function that handles command requests and returns responses.
type CommandHandler func(request *Request, response *Response) error

// Transport interface definition that a provider needs to implement.
type Transport interface {
	Server
	Client

	// Decode decodes the raw data into the target object
	// Both the request and response both contain fields of the any type, we need to decode it
	Decode(raw any, target any) error
}

// TransportConfig is an interface representing the contract for a configuration object
// that can be validated.
type TransportConfig interface {
	Validate() error
}

// Server interface defines the fundamental behaviors of a server.
type Server interface {
	// Start initiates the server to begin listening on the specified address.
	Start(listenAddress string, handler CommandHandler, config TransportConfig) error
	// Stop closes the listener, in-flight requests are not waited for.
	Stop() error
}

// Client interface defines the fundamental behaviors of a client.
type Client interface {
	// SendRequest sends the command request to the peer listening on address.
	// The call is abandoned when ctx is done.
	SendRequest(ctx context.Context, address string, request *Request, response *Response) error
}
