package clients

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/videojob"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

func newStepContext(req videojob.Request) *workflow.StepContext {
	sc := workflow.NewStepContext()
	sc.Set("request", req)
	sc.Set("job_id", req.ID)
	return sc
}

func testRequest() videojob.Request {
	return videojob.Request{
		ID:           "job-1",
		OutputFormat: videojob.FormatMP4,
		Width:        640,
		Height:       480,
		Elements: []videojob.VideoElement{
			{ID: "el-1", Type: videojob.ElementImage, Source: "https://example.com/a.png"},
		},
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	bus := eventbus.New(10, 5)
	resources := resourcemgr.New(bus, 0)
	resources.RegisterNode(resourcemgr.Node{
		ID:       "node-1",
		Type:     resourcemgr.NodeCompute,
		Status:   resourcemgr.NodeAvailable,
		Capacity: resourcemgr.Capacity{CPU: 16, MemoryGB: 64, StorageGB: 500, Bandwidth: 1000},
	})
	return &Runtime{
		Resources: resources,
		Transcode: NewStubTranscoder(),
		Blobs:     NewInMemoryBlobStore(),
		Details:   NewInMemoryJobDetailsStore(),
		Callbacks: NewCallbackNotifier(),
	}
}

func TestValidation_RejectsMalformedRequest(t *testing.T) {
	r := newTestRuntime(t)
	req := testRequest()
	req.Width = 0
	sc := newStepContext(req)
	require.Error(t, r.validation(context.Background(), sc))
}

func TestResourceAllocation_ReservesAndStoresAllocationID(t *testing.T) {
	r := newTestRuntime(t)
	sc := newStepContext(testRequest())
	require.NoError(t, r.resourceAllocation(context.Background(), sc))
	v, ok := sc.Get("allocation_id")
	require.True(t, ok)
	assert.NotEmpty(t, v)
}

func TestMediaDownload_RejectsNonURLSource(t *testing.T) {
	r := newTestRuntime(t)
	req := testRequest()
	req.Elements[0].Source = "not-a-url"
	sc := newStepContext(req)
	require.Error(t, r.mediaDownload(context.Background(), sc))
}

func TestFullPipeline_ProducesUploadResultAndDetailsRow(t *testing.T) {
	r := newTestRuntime(t)
	req := testRequest()
	sc := newStepContext(req)

	require.NoError(t, r.validation(context.Background(), sc))
	require.NoError(t, r.resourceAllocation(context.Background(), sc))
	require.NoError(t, r.mediaDownload(context.Background(), sc))
	require.NoError(t, r.videoProcessing(context.Background(), sc))
	require.NoError(t, r.s3Upload(context.Background(), sc))
	require.NoError(t, r.databaseUpdate(context.Background(), sc))
	require.NoError(t, r.cleanup(context.Background(), sc))

	result, ok := sc.Result.(UploadResult)
	require.True(t, ok)
	assert.NotEmpty(t, result.URL)

	elements, err := r.Details.Elements(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, elements, 1)

	_, stillPresent := sc.Get("allocation_id")
	assert.True(t, stillPresent, "cleanup clears the id's value, not the key")
}

func TestRollbackDeleteFiles_RemovesOutputPath(t *testing.T) {
	r := newTestRuntime(t)
	f, err := os.CreateTemp(t.TempDir(), "render-*.mp4")
	require.NoError(t, err)
	f.Close()

	sc := newStepContext(testRequest())
	sc.Set("output_path", f.Name())
	require.NoError(t, r.rollbackDeleteFiles(context.Background(), sc))

	_, statErr := os.Stat(f.Name())
	assert.True(t, os.IsNotExist(statErr))
}
