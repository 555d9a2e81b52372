package apiclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/dealer-jobs/internal/api/dto"
	"github.com/cuongbtq/dealer-jobs/internal/api/handler"
	"github.com/cuongbtq/dealer-jobs/internal/api/router"
	"github.com/cuongbtq/dealer-jobs/internal/dbtest"
	"github.com/cuongbtq/dealer-jobs/internal/inventory"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/queue/queuetest"
)

const inventoryCSV = "VIN,Stock#,Year,Make,Model,Trim,Condition,Price,Mileage,Color,BodyType,Images\n" +
	"1FAHP3F29CL123456,S-1,2021,Ford,F-150,XLT,New,25000,12000,Blue,Truck,\n" +
	"2FBHP3F29CL654321,S-3,2020,Toyota,Camry,SE,Used,21000,30000,Red,Sedan,\n"

func newTestAPI(t *testing.T) (*Client, *queue.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queueClient := queue.NewClient(dbtest.NewDB(t), queuetest.NewBroker(), logger)

	srv := httptest.NewServer(router.SetupRouter(&handler.Dependencies{
		Logger: logger,
		Queue:  queueClient,
	}))
	t.Cleanup(srv.Close)

	return New(srv.URL+"/", 5*time.Second, nil), queueClient
}

func TestClient_UploadAndWatch(t *testing.T) {
	api, queueClient := newTestAPI(t)
	ctx := context.Background()

	accepted, err := api.UploadInventory(ctx, "d1", "stock.csv", strings.NewReader(inventoryCSV), true)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted.TotalRows)

	claimed, err := queueClient.Claim(ctx, accepted.JobID)
	require.NoError(t, err)

	go func() {
		for i := 1; i <= 2; i++ {
			time.Sleep(5 * time.Millisecond)
			_ = claimed.UpdateProgress(ctx, inventory.Progress{Processed: i, Total: 2})
		}
		_ = queueClient.Complete(ctx, claimed, inventory.Result{Processed: 2, Total: 2, Created: 2})
	}()

	var snapshots int
	final, err := api.WatchJob(ctx, accepted.JobID, 2*time.Millisecond, func(*dto.JobDTO) { snapshots++ })
	require.NoError(t, err)
	assert.Equal(t, "completed", final.State)
	assert.True(t, Finished(final))
	assert.JSONEq(t, `{"processed":2,"total":2}`, string(final.Progress))
	assert.GreaterOrEqual(t, snapshots, 1)
}

func TestClient_UploadRejected(t *testing.T) {
	api, _ := newTestAPI(t)

	_, err := api.UploadInventory(context.Background(), "d1", "stock.csv", strings.NewReader("VIN\n"), false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "missing required columns")
}

func TestClient_EnqueueAndList(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	pushID, err := api.PushLead(ctx, "l1")
	require.NoError(t, err)
	reminderID, err := api.SendReminder(ctx, "a1", "24h")
	require.NoError(t, err)

	page, err := api.ListJobs(ctx, dto.ListJobsRequest{Queue: queue.QueueCRMPush})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, pushID, page.Jobs[0].ID)

	job, err := api.GetJob(ctx, reminderID)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueAppointmentReminders, job.Queue)
	assert.Equal(t, "waiting", job.State)
}

func TestClient_NotFoundAndConflict(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.GetJob(ctx, "6f1c2a7e-0d4b-4b8e-9a51-3f2d6c0e9b11")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := api.PushLead(ctx, "l1")
	require.NoError(t, err)

	err = api.DeleteJob(ctx, id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestClient_WatchStopsWithContext(t *testing.T) {
	api, _ := newTestAPI(t)

	id, err := api.PushLead(context.Background(), "l1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	last, err := api.WatchJob(ctx, id, 5*time.Millisecond, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, last)
	assert.Equal(t, "waiting", last.State)
}
