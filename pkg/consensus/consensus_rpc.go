package consensus

import (
	"github.com/danl5/gotracker/pkg/model"
)

// HandleRequest dispatches an inbound command. Command failures travel in
// response.Error, only undecodable commands fail the call itself.
func (c *Consensus) HandleRequest(request *model.Request, response *model.Response) error {
	response.Header = c.buildHeaders()
	logger := c.logger.With("command", request.CommandCode.String(), "from", request.Header.Node.ID)

	var (
		result any
		err    error
	)
	switch request.CommandCode {
	case model.HeartBeat:
		args := &model.HeartBeatRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.HeartBeatResponse{}
		result, err = resp, c.HeartBeat(request.Header.Node, args, resp)
	case model.RequestVote:
		args := &model.RequestVoteRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.RequestVoteResponse{}
		result, err = resp, c.RequestVote(args, resp)
	case model.UpdateRegistry:
		args := &model.UpdateRegistryRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.UpdateRegistryResponse{}
		result, err = resp, c.UpdateRegistry(args, resp)
	case model.LookupFile:
		args := &model.LookupFileRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.LookupFileResponse{}
		result, err = resp, c.handleLookupFile(args, resp)
	case model.ListAll:
		args := &model.ListAllRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.ListAllResponse{}
		result, err = resp, c.handleListAll(args, resp)
	case model.GetFileList:
		resp := &model.FileListResponse{}
		result, err = resp, c.GetFileList(resp)
	case model.GetFileContent:
		args := &model.FileContentRequest{}
		if err := c.decode(request, args); err != nil {
			response.Error = err.Error()
			return err
		}
		resp := &model.FileContentResponse{}
		result, err = resp, c.GetFileContent(args, resp)
	case model.State:
		resp := &model.NodeWithState{}
		result, err = resp, c.State(resp)
	default:
		logger.Warn("unknown command")
		response.Error = model.ErrorBadCommand.Error()
		return model.ErrorBadCommand
	}

	if err != nil {
		logger.Debug("command failed", "error", err.Error())
		response.Error = err.Error()
		return nil
	}
	response.CommandResponse = result
	return nil
}

func (c *Consensus) decode(request *model.Request, target any) error {
	if err := c.transport.Decode(request.Command, target); err != nil {
		c.logger.Error("failed to decode command", "command", request.CommandCode.String(), "error", err.Error())
		return model.ErrorBadCommand
	}
	return nil
}
