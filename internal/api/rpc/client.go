package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a remote JobService.
type Client struct {
	owner     string
	getJob    *connect.Client[GetJobRequest, GetJobResponse]
	listJobs  *connect.Client[ListJobsRequest, ListJobsResponse]
	retryJob  *connect.Client[RetryJobRequest, RetryJobResponse]
	cancelJob *connect.Client[CancelJobRequest, CancelJobResponse]
}

// NewClient creates a client for the service at baseURL acting as owner.
func NewClient(httpClient connect.HTTPClient, baseURL, owner string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		owner:     owner,
		getJob:    connect.NewClient[GetJobRequest, GetJobResponse](httpClient, baseURL+GetJobProcedure, opts...),
		listJobs:  connect.NewClient[ListJobsRequest, ListJobsResponse](httpClient, baseURL+ListJobsProcedure, opts...),
		retryJob:  connect.NewClient[RetryJobRequest, RetryJobResponse](httpClient, baseURL+RetryJobProcedure, opts...),
		cancelJob: connect.NewClient[CancelJobRequest, CancelJobResponse](httpClient, baseURL+CancelJobProcedure, opts...),
	}
}

func request[T any](owner string, msg *T) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if owner != "" {
		req.Header().Set(OwnerHeader, owner)
	}
	return req
}

// GetJob fetches a job and its result.
func (c *Client) GetJob(ctx context.Context, jobID string) (*GetJobResponse, error) {
	resp, err := c.getJob.CallUnary(ctx, request(c.owner, &GetJobRequest{JobID: jobID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// ListJobs lists the caller's jobs.
func (c *Client) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	resp, err := c.listJobs.CallUnary(ctx, request(c.owner, req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// RetryJob re-queues a failed job.
func (c *Client) RetryJob(ctx context.Context, jobID string) (*RetryJobResponse, error) {
	resp, err := c.retryJob.CallUnary(ctx, request(c.owner, &RetryJobRequest{JobID: jobID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// CancelJob requests cancellation.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*CancelJobResponse, error) {
	resp, err := c.cancelJob.CallUnary(ctx, request(c.owner, &CancelJobRequest{JobID: jobID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
