package jobs

import "github.com/drblury/procbus/internal/runtime"

// Client calls the scheduler procedures from an execution context.
type Client struct {
	caller *runtime.Caller
}

// NewClient returns a client bound to c. consumerID selects a specific
// scheduler registration and is usually empty.
func NewClient(c *runtime.Context, consumerID string) *Client {
	return &Client{caller: c.GetInterface(Interface, consumerID)}
}

func (cl *Client) Create(req CreateRequest) (string, error) {
	return runtime.Call(cl.caller, CreateProcedure, req)
}

// Get returns nil when the job does not exist.
func (cl *Client) Get(id string) (*Job, error) {
	return runtime.Call(cl.caller, GetProcedure, IDRequest{ID: id})
}

func (cl *Client) List(query ListQuery) (Page, error) {
	return runtime.Call(cl.caller, ListProcedure, query)
}

func (cl *Client) Retry(id string) (*Job, error) {
	return runtime.Call(cl.caller, RetryProcedure, IDRequest{ID: id})
}

func (cl *Client) Terminate(id string) (*Job, error) {
	return runtime.Call(cl.caller, TerminateProcedure, IDRequest{ID: id})
}

// Poll claims up to limit jobs; zero means the scheduler's batch size.
func (cl *Client) Poll(limit int) ([]string, error) {
	res, err := runtime.Call(cl.caller, PollProcedure, PollRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Claimed, nil
}

// Execute runs a claimed job and returns it in its resulting state.
func (cl *Client) Execute(id string) (*Job, error) {
	return runtime.Call(cl.caller, ExecuteProcedure, IDRequest{ID: id})
}
