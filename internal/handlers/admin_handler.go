package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"qrauth/internal/store"
	"qrauth/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type AdminHandler struct {
	app   *pocketbase.PocketBase
	store *store.Store
	redis *redis.Client
}

func NewAdminHandler(app *pocketbase.PocketBase, st *store.Store, redisClient *redis.Client) *AdminHandler {
	return &AdminHandler{
		app:   app,
		store: st,
		redis: redisClient,
	}
}

// GetTicketStats - operational snapshot of the protocol: live tickets
// per status, outstanding secrets, store health. The three scans are
// independent store reads and run concurrently.
func (h *AdminHandler) GetTicketStats(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Superuser access required", nil)
	}

	ctx := e.Request.Context()

	var (
		wg            sync.WaitGroup
		statusCounts  map[string]int
		grantCount    int
		deliveryCount int
		statusErr     error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		statusCounts, statusErr = h.countTicketsByStatus(ctx)
	}()
	go func() {
		defer wg.Done()
		keys, err := h.store.ScanPattern(ctx, store.GrantKeyPrefix+"*")
		if err == nil {
			grantCount = len(keys)
		}
	}()
	go func() {
		defer wg.Done()
		keys, err := h.store.ScanPattern(ctx, store.DeliveryKeyPrefix+"*")
		if err == nil {
			deliveryCount = len(keys)
		}
	}()
	wg.Wait()

	if statusErr != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to collect stats", statusErr)
	}

	healthy := utils.RedisHealthCheck(h.redis) == nil

	return e.JSON(http.StatusOK, map[string]any{
		"tickets_by_status":  statusCounts,
		"outstanding_grants": grantCount,
		"pending_deliveries": deliveryCount,
		"store_healthy":      healthy,
	})
}

func (h *AdminHandler) countTicketsByStatus(ctx context.Context) (map[string]int, error) {
	keys, err := h.store.ScanPattern(ctx, store.TicketKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	if len(keys) == 0 {
		return counts, nil
	}

	values, err := h.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var partial struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(raw), &partial); err != nil {
			continue
		}
		counts[partial.Status]++
	}

	return counts, nil
}
