package date

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCurrentIsHTTPDate(t *testing.T) {
	stop := StartTicker()
	defer stop()

	got, err := time.Parse(http.TimeFormat, string(Current()))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), got, 2*time.Second)
}

func TestStartTickerNests(t *testing.T) {
	stop1 := StartTicker()
	stop2 := StartTicker()

	stop1()
	stop1()
	mu.Lock()
	require.Equal(t, 1, refs)
	mu.Unlock()

	stop2()
	mu.Lock()
	require.Equal(t, 0, refs)
	require.Nil(t, stopTick)
	mu.Unlock()
}
