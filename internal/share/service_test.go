package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dharsanguruparan/SoundDrop/internal/events"
	"github.com/dharsanguruparan/SoundDrop/internal/model"
	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeObjects struct {
	mu       sync.Mutex
	existing map[string]bool
	ttls     []time.Duration
	err      error
}

func (f *fakeObjects) PresignPlayback(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.ttls = append(f.ttls, ttl)
	return fmt.Sprintf("https://storage.test/%s?X-Amz-Expires=%d", key, int(ttl.Seconds())), nil
}

func (f *fakeObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[key], nil
}

func (f *fakeObjects) lastTTL() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ttls) == 0 {
		return 0
	}
	return f.ttls[len(f.ttls)-1]
}

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	objects *fakeObjects
	clock   *testClock
	events  *events.Recorder
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		objects: &fakeObjects{existing: map[string]bool{}},
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events:  &events.Recorder{},
	}
	opts := Options{
		Folder:       "audio",
		Now:          f.clock.Now,
		RetryBackoff: time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.svc = f.newService(opts)
	return f
}

func (f *fixture) newService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.store, f.store, f.objects, f.events, logger, opts)
}

func (f *fixture) register(t *testing.T) string {
	t.Helper()
	duration := 180.0
	id, err := f.svc.RegisterFile(context.Background(), RegisterInput{
		StorageKey:      "audio/track",
		Format:          "mp3",
		SizeBytes:       1000000,
		DurationSeconds: &duration,
		OriginalName:    "track.mp3",
	})
	if err != nil {
		t.Fatalf("register file: %v", err)
	}
	return id
}

func (f *fixture) share(t *testing.T, fileID string, ttl time.Duration, maxDownloads int) *model.ShareRecord {
	t.Helper()
	created, err := f.svc.CreateShare(context.Background(), CreateInput{FileID: fileID, TTL: ttl, MaxDownloads: maxDownloads})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	return created.Share
}

func TestCreateThenResolveCountsOneDownload(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 0)

	access, err := f.svc.Resolve(context.Background(), sh.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if access.Downloads != 1 {
		t.Fatalf("expected 1 download, got %d", access.Downloads)
	}
	if !strings.HasPrefix(access.PlayURL, "https://storage.test/audio/track") {
		t.Fatalf("unexpected play url %q", access.PlayURL)
	}
	if access.File.Name != "track.mp3" || access.File.Format != "mp3" || access.File.Bytes != 1000000 {
		t.Fatalf("unexpected file view %+v", access.File)
	}
	if !access.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", access.ExpiresAt)
	}
	if !access.PlayURLExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected play url expiry %v", access.PlayURLExpiresAt)
	}
}

func TestResolveWalkthrough(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), 60*time.Second, 1)
	ctx := context.Background()

	access, err := f.svc.Resolve(ctx, sh.Token)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if access.Downloads != 1 {
		t.Fatalf("expected downloads=1, got %d", access.Downloads)
	}
	if _, err := f.svc.Resolve(ctx, sh.Token); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected limit reached, got %v", err)
	}
	f.clock.Advance(61 * time.Second)
	if _, err := f.svc.Resolve(ctx, sh.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestResolveExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Minute, 0)

	f.clock.Advance(time.Minute)
	if _, err := f.svc.Resolve(context.Background(), sh.Token); err != nil {
		t.Fatalf("expected access at the expiry instant, got %v", err)
	}
	f.clock.Advance(time.Nanosecond)
	if _, err := f.svc.Resolve(context.Background(), sh.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestResolveExpiredWinsOverCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fileID := f.register(t)
	exhausted := f.share(t, fileID, time.Minute, 1)
	if _, err := f.svc.Resolve(ctx, exhausted.Token); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fresh := f.share(t, fileID, time.Minute, 0)

	f.clock.Advance(2 * time.Minute)
	for _, token := range []string{exhausted.Token, fresh.Token} {
		if _, err := f.svc.Resolve(ctx, token); !errors.Is(err, ErrExpired) {
			t.Fatalf("token %s: expected expired, got %v", token, err)
		}
	}
}

func TestResolveCapExactlyMaxDownloads(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 3)

	for i := 1; i <= 3; i++ {
		access, err := f.svc.Resolve(context.Background(), sh.Token)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if access.Downloads != i {
			t.Fatalf("resolve %d: downloads=%d", i, access.Downloads)
		}
	}
	if _, err := f.svc.Resolve(context.Background(), sh.Token); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected limit reached, got %v", err)
	}
}

func TestResolveUnlimited(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 0)

	for i := 0; i < 25; i++ {
		if _, err := f.svc.Resolve(context.Background(), sh.Token); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
}

func TestResolveRevokedIsNotFound(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 0)
	if err := f.store.Revoke(context.Background(), sh.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.Resolve(context.Background(), sh.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveUnknownTokens(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 0)

	for _, token := range []string{
		"",
		"deadbeef",
		strings.ToUpper(sh.Token),
		sh.Token[:len(sh.Token)-1],
		"../etc/passwd",
		strings.Repeat("a", maxTokenLength+1),
	} {
		if _, err := f.svc.Resolve(context.Background(), token); !errors.Is(err, ErrNotFound) {
			t.Fatalf("token %q: expected not found, got %v", token, err)
		}
	}
}

func TestResolveMissingFileIsNotFound(t *testing.T) {
	f := newFixture(t)
	fileID := f.register(t)
	sh := f.share(t, fileID, time.Hour, 0)
	if err := f.store.DeleteFile(context.Background(), fileID); err != nil {
		t.Fatalf("delete file: %v", err)
	}

	// A fresh service starts with an empty file cache.
	svc := f.newService(Options{Folder: "audio", RetryBackoff: time.Millisecond})
	if _, err := svc.Resolve(context.Background(), sh.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolvePresignFailureIsUpstreamAndNotCounted(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 1)
	f.objects.err = errors.New("provider down")

	if _, err := f.svc.Resolve(context.Background(), sh.Token); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	stored, err := f.store.GetShareByToken(context.Background(), sh.Token)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if stored.Downloads != 0 {
		t.Fatalf("expected no download counted, got %d", stored.Downloads)
	}
}

func TestResolveSignsWithClampedTTL(t *testing.T) {
	cases := []struct {
		name     string
		shareTTL time.Duration
		elapsed  time.Duration
		want     time.Duration
	}{
		{name: "floor", shareTTL: 10 * time.Second, want: 30 * time.Second},
		{name: "remaining", shareTTL: 20 * time.Minute, elapsed: 90 * time.Second, want: 18*time.Minute + 30*time.Second},
		{name: "ceiling", shareTTL: 48 * time.Hour, want: time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sh := f.share(t, f.register(t), tc.shareTTL, 0)
			f.clock.Advance(tc.elapsed)
			if _, err := f.svc.Resolve(context.Background(), sh.Token); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got := f.objects.lastTTL(); got != tc.want {
				t.Fatalf("expected ttl %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPlaybackTTL(t *testing.T) {
	cases := []struct {
		remaining time.Duration
		want      time.Duration
	}{
		{remaining: -time.Second, want: 30 * time.Second},
		{remaining: 10 * time.Second, want: 30 * time.Second},
		{remaining: 90*time.Second + 700*time.Millisecond, want: 90 * time.Second},
		{remaining: time.Hour, want: time.Hour},
		{remaining: 5 * time.Hour, want: time.Hour},
	}
	for _, tc := range cases {
		if got := PlaybackTTL(tc.remaining, 30*time.Second, time.Hour); got != tc.want {
			t.Fatalf("PlaybackTTL(%v) = %v, want %v", tc.remaining, got, tc.want)
		}
	}
}

func TestConcurrentResolvesRespectCap(t *testing.T) {
	f := newFixture(t)
	const maxDownloads = 5
	sh := f.share(t, f.register(t), time.Hour, maxDownloads)

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Resolve(context.Background(), sh.Token)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLimitReached):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != maxDownloads {
		t.Fatalf("expected %d successful resolves, got %d", maxDownloads, ok.Load())
	}
	if limited.Load() != 40-maxDownloads {
		t.Fatalf("expected %d limited resolves, got %d", 40-maxDownloads, limited.Load())
	}
	stored, _ := f.store.GetShareByToken(context.Background(), sh.Token)
	if stored.Downloads != maxDownloads {
		t.Fatalf("downloads overshot: %d", stored.Downloads)
	}
}

func TestCreateShareDefaultsAndEvents(t *testing.T) {
	f := newFixture(t)
	fileID := f.register(t)

	created, err := f.svc.CreateShare(context.Background(), CreateInput{FileID: fileID})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if !created.Share.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected default one hour ttl, got %v", created.Share.ExpiresAt)
	}
	if created.Share.MaxDownloads != 0 || created.Share.Downloads != 0 || created.Share.Revoked {
		t.Fatalf("unexpected initial state %+v", created.Share)
	}
	if len(created.Share.Token) != 2*tokenBytes {
		t.Fatalf("unexpected token length %d", len(created.Share.Token))
	}
	if created.File.Name != "track.mp3" {
		t.Fatalf("unexpected file view %+v", created.File)
	}
	if f.events.Count(events.SubjectFileRegistered) != 1 || f.events.Count(events.SubjectShareCreated) != 1 {
		t.Fatalf("unexpected events %+v", f.events.Events())
	}
}

func TestCreateShareValidation(t *testing.T) {
	f := newFixture(t)
	fileID := f.register(t)

	cases := []struct {
		name string
		in   CreateInput
	}{
		{name: "malformed id", in: CreateInput{FileID: "not-a-uuid"}},
		{name: "negative ttl", in: CreateInput{FileID: fileID, TTL: -time.Second}},
		{name: "ttl above max", in: CreateInput{FileID: fileID, TTL: 31 * 24 * time.Hour}},
		{name: "negative cap", in: CreateInput{FileID: fileID, MaxDownloads: -1}},
		{name: "cap above int32", in: CreateInput{FileID: fileID, MaxDownloads: 3000000000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateShare(context.Background(), tc.in)
			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateShareUnknownFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateShare(context.Background(), CreateInput{FileID: "0b6f6f3e-5d8e-4bde-9a59-6c1d0d6f2a11"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func sequence(tokens ...string) TokenIssuer {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[min(i, len(tokens)-1)]
		i++
		return tok, nil
	}
}

func TestCreateShareRetriesTokenCollision(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Tokens = sequence("aaaa", "aaaa", "bbbb") })
	fileID := f.register(t)

	first := f.share(t, fileID, time.Hour, 0)
	second := f.share(t, fileID, time.Hour, 0)
	if first.Token != "aaaa" || second.Token != "bbbb" {
		t.Fatalf("unexpected tokens %q %q", first.Token, second.Token)
	}
}

func TestCreateShareGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Tokens = sequence("aaaa") })
	fileID := f.register(t)
	f.share(t, fileID, time.Hour, 0)

	_, err := f.svc.CreateShare(context.Background(), CreateInput{FileID: fileID})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestRegisterFileValidation(t *testing.T) {
	f := newFixture(t)
	negative := -1.0
	valid := RegisterInput{StorageKey: "audio/x", Format: "mp3", SizeBytes: 1, OriginalName: "x.mp3"}

	cases := []struct {
		name   string
		mutate func(*RegisterInput)
		field  string
	}{
		{name: "missing key", mutate: func(in *RegisterInput) { in.StorageKey = "" }, field: "publicId"},
		{name: "absolute key", mutate: func(in *RegisterInput) { in.StorageKey = "/audio/x" }, field: "publicId"},
		{name: "traversal", mutate: func(in *RegisterInput) { in.StorageKey = "audio/../secret" }, field: "publicId"},
		{name: "outside folder", mutate: func(in *RegisterInput) { in.StorageKey = "video/x" }, field: "publicId"},
		{name: "missing format", mutate: func(in *RegisterInput) { in.Format = "" }, field: "format"},
		{name: "uppercase format", mutate: func(in *RegisterInput) { in.Format = "MP3" }, field: "format"},
		{name: "negative size", mutate: func(in *RegisterInput) { in.SizeBytes = -1 }, field: "bytes"},
		{name: "negative duration", mutate: func(in *RegisterInput) { in.DurationSeconds = &negative }, field: "duration"},
		{name: "missing name", mutate: func(in *RegisterInput) { in.OriginalName = "  " }, field: "originalFilename"},
		{name: "control chars", mutate: func(in *RegisterInput) { in.OriginalName = "a\x00b" }, field: "originalFilename"},
		{name: "long name", mutate: func(in *RegisterInput) { in.OriginalName = strings.Repeat("é", maxNameLength+1) }, field: "originalFilename"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			_, err := f.svc.RegisterFile(context.Background(), in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}

	if _, err := f.svc.RegisterFile(context.Background(), valid); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestRegisterFileVerifiesUploads(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.VerifyUploads = true })
	in := RegisterInput{StorageKey: "audio/present", Format: "wav", OriginalName: "a.wav"}

	if _, err := f.svc.RegisterFile(context.Background(), in); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing object, got %v", err)
	}
	f.objects.existing["audio/present"] = true
	if _, err := f.svc.RegisterFile(context.Background(), in); err != nil {
		t.Fatalf("register: %v", err)
	}
}

type flakyShares struct {
	*storage.MemoryStore
	calls atomic.Int32
	fails int32
}

func (s *flakyShares) GetShareByToken(ctx context.Context, token string) (*model.ShareRecord, error) {
	if s.calls.Add(1) <= s.fails {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.GetShareByToken(ctx, token)
}

func TestResolveRetriesReadsOnce(t *testing.T) {
	f := newFixture(t)
	sh := f.share(t, f.register(t), time.Hour, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{Folder: "audio", Now: f.clock.Now, RetryBackoff: time.Millisecond}

	once := &flakyShares{MemoryStore: f.store, fails: 1}
	svc := New(f.store, once, f.objects, nil, logger, opts)
	if _, err := svc.Resolve(context.Background(), sh.Token); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if once.calls.Load() != 2 {
		t.Fatalf("expected 2 reads, got %d", once.calls.Load())
	}

	always := &flakyShares{MemoryStore: f.store, fails: 100}
	svc = New(f.store, always, f.objects, nil, logger, opts)
	_, err := svc.Resolve(context.Background(), sh.Token)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if always.calls.Load() != readAttempts {
		t.Fatalf("expected %d reads, got %d", readAttempts, always.calls.Load())
	}
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fileID := f.register(t)

	active := f.share(t, fileID, time.Hour, 1)
	st, err := f.svc.Inspect(ctx, active.Token)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.State != StateActive || st.File == nil || st.Share.Downloads != 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	if _, err := f.svc.Resolve(ctx, active.Token); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st, _ = f.svc.Inspect(ctx, active.Token); st.State != StateExhausted {
		t.Fatalf("expected exhausted, got %s", st.State)
	}

	revoked := f.share(t, fileID, time.Hour, 0)
	_ = f.store.Revoke(ctx, revoked.ID)
	if st, _ = f.svc.Inspect(ctx, revoked.Token); st.State != StateRevoked {
		t.Fatalf("expected revoked, got %s", st.State)
	}

	f.clock.Advance(2 * time.Hour)
	fresh := f.newService(Options{Folder: "audio", RetryBackoff: time.Millisecond})
	_ = f.store.DeleteFile(ctx, fileID)
	st, err = fresh.Inspect(ctx, active.Token)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.State != StateExpired || st.File != nil {
		t.Fatalf("unexpected status after file removal %+v", st)
	}

	if _, err := f.svc.Inspect(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
