package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intellihackz/westland-marketplace/internal/config"
	"github.com/Intellihackz/westland-marketplace/internal/gateway"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		DBDriver:        "sqlite",
		DatabaseURL:     filepath.Join(t.TempDir(), "escrow.db"),
		GatewayMode:     config.GatewayModeFake,
		PlatformFeeRate: decimal.RequireFromString("0.01"),
		PlatformFeeCap:  decimal.NewFromInt(1000),
	}
}

func TestNew_WiresServices(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &gateway.FakeGateway{}, a.Gateway)

	l, err := a.Listings.Register(context.Background(), models.Actor{ID: "seller-1"},
		models.CreateListingRequest{Title: "Desk", Price: decimal.NewFromInt(50000)})
	require.NoError(t, err)

	fee, err := a.Listings.Fee(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, "500", fee.Amount.String())
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBDriver = "mysql"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewGateway_Paystack(t *testing.T) {
	cfg := testConfig(t)
	cfg.GatewayMode = config.GatewayModePaystack
	cfg.GatewayTimeout = time.Second
	assert.IsType(t, &gateway.CircuitBreaker{}, NewGateway(cfg))
}

func TestNewRedisClient(t *testing.T) {
	c, err := NewRedisClient("redis://:pw@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", c.Options().Addr)
	assert.Equal(t, 2, c.Options().DB)

	c, err = NewRedisClient("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", c.Options().Addr)
}
