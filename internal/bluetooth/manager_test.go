package bluetooth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ticketprint/internal/bluetooth"
	"ticketprint/internal/bluetooth/bttest"
	"ticketprint/internal/settings"
)

func newManager(t *testing.T, adapter bluetooth.Adapter, opts bluetooth.Options) (*bluetooth.Manager, *settings.Store) {
	t.Helper()
	store, err := settings.Open("", settings.MethodBluetooth)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := bluetooth.NewManager(adapter, store, opts, logger)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m, store
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestConnectRemembersPrinter(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	adapter := bttest.NewAdapter(printer)
	m, store := newManager(t, adapter, bluetooth.Options{})

	var seen []bluetooth.State
	var mu sync.Mutex
	cancel := m.Subscribe(func(s bluetooth.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	st, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, bluetooth.State{Connected: true, DeviceID: "AA:01", DeviceName: "MTP-II"}, st)
	require.Equal(t, st, m.Status())

	id, ok := store.RememberedDevice()
	require.True(t, ok)
	require.Equal(t, settings.Identity{DeviceID: "AA:01", DeviceName: "MTP-II"}, id)

	mu.Lock()
	require.Len(t, seen, 1)
	require.True(t, seen[0].Connected)
	mu.Unlock()

	// Already connected: no second prompt.
	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, adapter.Requests())
}

func TestConnectFallsThroughServiceList(t *testing.T) {
	printer := bttest.NewPrinter("AA:02", "Generic")
	printer.Services = []string{bluetooth.KnownServices[3]}
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), []byte("hi")))
	require.Equal(t, []byte("hi"), printer.Bytes())
}

func TestConnectCancelledIsDistinct(t *testing.T) {
	adapter := bttest.NewAdapter(bttest.NewPrinter("AA:01", "MTP-II"))
	adapter.Cancel()
	m, store := newManager(t, adapter, bluetooth.Options{})

	st, err := m.Connect(context.Background())
	require.Error(t, err)
	require.True(t, bluetooth.IsCancelled(err))
	require.False(t, st.Connected)
	_, ok := store.RememberedDevice()
	require.False(t, ok)
}

func TestConnectPermissionDenied(t *testing.T) {
	adapter := bttest.NewAdapter(bttest.NewPrinter("AA:01", "MTP-II"))
	adapter.FailRequest(bluetooth.ErrPermissionDenied)
	m, _ := newManager(t, adapter, bluetooth.Options{})

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, bluetooth.ErrPermissionDenied)
	require.False(t, bluetooth.IsCancelled(err))
}

func TestConnectIsSingleFlight(t *testing.T) {
	adapter := bttest.NewAdapter(bttest.NewPrinter("AA:01", "MTP-II"))
	adapter.SetRequestDelay(50 * time.Millisecond)
	m, _ := newManager(t, adapter, bluetooth.Options{})

	var wg sync.WaitGroup
	states := make([]bluetooth.State, 5)
	errs := make([]error, 5)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, adapter.Requests())
	for i := range states {
		require.NoError(t, errs[i])
		require.Equal(t, states[0], states[i])
	}
}

func TestConnectTimeout(t *testing.T) {
	adapter := bttest.NewAdapter(bttest.NewPrinter("AA:01", "MTP-II"))
	adapter.SetRequestDelay(time.Second)
	m, _ := newManager(t, adapter, bluetooth.Options{ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, bluetooth.ErrConnectTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, m.Status().Connected)
}

func TestReconnectSkipsPrompt(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	adapter := bttest.NewAdapter(printer)
	m, _ := newManager(t, adapter, bluetooth.Options{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Disconnect())
	require.False(t, m.Status().Connected)

	st, err := m.Reconnect(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, 1, adapter.Requests())
	require.Equal(t, 2, printer.Connects())
}

func TestReconnectFallsBackToPrompt(t *testing.T) {
	cases := map[string]func(*bttest.Adapter, *bttest.Printer){
		"enumeration unsupported": func(a *bttest.Adapter, _ *bttest.Printer) { a.SetEnumerationUnsupported(true) },
		"grant revoked":           func(a *bttest.Adapter, p *bttest.Printer) { a.Revoke(p) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			printer := bttest.NewPrinter("AA:01", "MTP-II")
			adapter := bttest.NewAdapter(printer)
			m, _ := newManager(t, adapter, bluetooth.Options{})

			_, err := m.Connect(context.Background())
			require.NoError(t, err)
			require.NoError(t, m.Disconnect())
			setup(adapter, printer)

			st, err := m.Reconnect(context.Background())
			require.NoError(t, err)
			require.True(t, st.Connected)
			require.Equal(t, 2, adapter.Requests())
		})
	}
}

func TestReconnectTimeout(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	adapter := bttest.NewAdapter(printer)
	m, _ := newManager(t, adapter, bluetooth.Options{
		ConnectTimeout:   5 * time.Second,
		ReconnectTimeout: 50 * time.Millisecond,
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Disconnect())
	adapter.SetAuthorizeDelay(5 * time.Second)

	start := time.Now()
	st, err := m.Reconnect(context.Background())
	require.ErrorIs(t, err, bluetooth.ErrConnectTimeout)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, st.Connected)
	require.Equal(t, 1, adapter.Requests(), "a timed out reconnect must not prompt")
	require.Equal(t, 1, printer.Connects())
}

func TestReconnectWithoutIdentityPrompts(t *testing.T) {
	adapter := bttest.NewAdapter(bttest.NewPrinter("AA:01", "MTP-II"))
	m, _ := newManager(t, adapter, bluetooth.Options{})

	st, err := m.Reconnect(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, 1, adapter.Requests())
}

func TestSendChunksPayload(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{ChunkSize: 20})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	data := payload(205)
	require.NoError(t, m.Send(context.Background(), data))

	writes := printer.Writes()
	require.Len(t, writes, 11)
	for _, w := range writes {
		require.LessOrEqual(t, len(w), 20)
	}
	require.Equal(t, data, printer.Bytes())
}

func TestSendCapsChunkAtMaxPayload(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{ChunkSize: 500, MaxPayload: 100})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), payload(250)))
	require.Len(t, printer.Writes(), 3)
}

func TestSendNotConnected(t *testing.T) {
	m, _ := newManager(t, bttest.NewAdapter(), bluetooth.Options{})
	require.ErrorIs(t, m.Send(context.Background(), []byte("x")), bluetooth.ErrNotConnected)
}

func TestSendDisconnectMidTransfer(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	printer.DropAfter = 1
	m, store := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{ChunkSize: 20})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	err = m.Send(context.Background(), payload(50))
	require.ErrorIs(t, err, bluetooth.ErrDisconnectedMidTransfer)
	require.Len(t, printer.Writes(), 1)
	require.False(t, m.Status().Connected)

	_, ok := store.RememberedDevice()
	require.True(t, ok, "link loss must keep the remembered printer")
}

func TestSendTimeout(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	printer.WriteDelay = time.Second
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{SendTimeout: 50 * time.Millisecond})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, m.Send(context.Background(), []byte("slow")), bluetooth.ErrSendTimeout)
}

func TestSendWriteFailureIsProtocolError(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	printer.FailWrite = errors.New("gatt write rejected")
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	err = m.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, bluetooth.ErrProtocol)
	require.Contains(t, err.Error(), "gatt write rejected")
}

func TestSendIgnoresCallerCancellation(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	printer.WriteDelay = 10 * time.Millisecond
	m, _ := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{ChunkSize: 10})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Send(ctx, payload(30)))
	require.Len(t, printer.Writes(), 3)
}

func TestLinkLossKeepsIdentity(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	m, store := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	printer.Drop()

	require.Eventually(t, func() bool { return !m.Status().Connected }, time.Second, 5*time.Millisecond)
	require.Equal(t, "MTP-II", m.Status().DeviceName)
	_, ok := store.RememberedDevice()
	require.True(t, ok)
}

func TestDisconnectAndForgetAreIdempotent(t *testing.T) {
	printer := bttest.NewPrinter("AA:01", "MTP-II")
	m, store := newManager(t, bttest.NewAdapter(printer), bluetooth.Options{})

	require.NoError(t, m.Disconnect())
	require.Equal(t, bluetooth.State{}, m.Status())

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())
	require.False(t, m.Status().Connected)

	require.NoError(t, m.Forget())
	require.Equal(t, bluetooth.State{}, m.Status())
	_, ok := store.RememberedDevice()
	require.False(t, ok)

	require.NoError(t, m.Forget())
	require.Equal(t, bluetooth.State{}, m.Status())
}
