package bundler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/docker/model-bundler/pkg/archive"
	"github.com/docker/model-bundler/pkg/codegen"
	"github.com/docker/model-bundler/pkg/logging"
	"github.com/docker/model-bundler/pkg/progress"
	"github.com/docker/model-bundler/pkg/weights"
)

var deadbeef = []byte{0xDE, 0xAD, 0xBE, 0xEF}

// fakeGenerator writes a fixed set of files and records its calls.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	dirs  []string
	files map[string]string
	// writeArchitecture also stores the architecture as arch.json.
	writeArchitecture bool
	err               error
}

func (g *fakeGenerator) Generate(_ context.Context, dir string, architecture json.RawMessage) error {
	g.mu.Lock()
	g.calls++
	g.dirs = append(g.dirs, dir)
	g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	for name, content := range g.files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	if g.writeArchitecture {
		return os.WriteFile(filepath.Join(dir, "arch.json"), architecture, 0o644)
	}
	return nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeStore serves blobs from memory and can inject stream failures.
type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	opens int
	// streamErr, when set, is returned after failAfter bytes of any blob.
	streamErr error
	failAfter int64
}

func (s *fakeStore) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	data, ok := s.blobs[name]
	if !ok {
		return nil, 0, &weights.Error{Name: name, Code: weights.CodeBlobUnknown, Message: "not found"}
	}
	var r io.Reader = bytes.NewReader(data)
	if s.streamErr != nil {
		r = io.MultiReader(io.LimitReader(r, s.failAfter), &errorReader{err: s.streamErr})
	}
	return io.NopCloser(r), int64(len(data)), nil
}

func (s *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok, nil
}

func (s *fakeStore) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type errorReader struct {
	err error
}

func (r *errorReader) Read([]byte) (int, error) {
	return 0, r.err
}

// failingFile is a destination that fails on write or close.
type failingFile struct {
	buf       bytes.Buffer
	writeErr  error
	closeErr  error
	failAfter int
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.writeErr != nil && f.buf.Len()+len(p) > f.failAfter {
		n := f.failAfter - f.buf.Len()
		if n < 0 {
			n = 0
		}
		f.buf.Write(p[:n])
		return n, f.writeErr
	}
	return f.buf.Write(p)
}

func (f *failingFile) Close() error {
	return f.closeErr
}

func newTestBundler(t *testing.T, gen *fakeGenerator, store weights.Store, opts Options) *Bundler {
	t.Helper()
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = t.TempDir()
	}
	return New(logging.Discard(), gen, store, opts)
}

func readBundle(t *testing.T, bundle *Bundle) map[string]string {
	t.Helper()
	entries, err := archive.ReadEntries(bundle.Format, bundle.Data)
	require.NoError(t, err)
	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		files[entry.Name] = string(entry.Data)
	}
	return files
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "workspace was not removed")
}

func TestCreateBundle(t *testing.T) {
	root := t.TempDir()
	store, err := weights.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.WriteBlob(t.Context(), "model-42.t7", bytes.NewReader(deadbeef)))

	gen := &fakeGenerator{files: map[string]string{
		"infer.py":    "import torch\n",
		"config.json": `{"inputs": 3}`,
	}}
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "42", Architecture: json.RawMessage(`{"layers":[]}`)})
	require.NoError(t, err)
	require.NotNil(t, bundle)

	require.Equal(t, archive.FormatZip, bundle.Format)
	require.Equal(t, digest.FromBytes(bundle.Data), bundle.Digest)
	require.Equal(t, []string{"config.json", "infer.py", "model.t7"}, bundle.Files)
	require.Equal(t, "model-42.zip", bundle.FileName("42"))

	files := readBundle(t, bundle)
	require.Len(t, files, 3)
	require.Equal(t, "import torch\n", files["infer.py"])
	require.Equal(t, `{"inputs": 3}`, files["config.json"])
	require.Equal(t, string(deadbeef), files["model.t7"])

	require.Equal(t, 1, gen.callCount())
	require.True(t, strings.HasPrefix(gen.dirs[0], root))
	requireEmptyDir(t, root)
}

func TestCreateBundleMissingBlob(t *testing.T) {
	root := t.TempDir()
	store, err := weights.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "99"})
	require.Nil(t, bundle)
	var retrievalErr *RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	require.Equal(t, "99", retrievalErr.Model)
	require.Equal(t, "model-99.t7", retrievalErr.Blob)
	require.ErrorIs(t, err, weights.ErrBlobNotFound)
	requireEmptyDir(t, root)
}

func TestCreateBundleGenerationFailure(t *testing.T) {
	root := t.TempDir()
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	cause := errors.New("unknown layer type")
	gen := &fakeGenerator{err: cause}
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "unknown layer type")

	// No later stage ran.
	require.Equal(t, 1, gen.callCount())
	require.Equal(t, 0, store.openCount())
	requireEmptyDir(t, root)
}

func TestCreateBundleEmptyGeneratorOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("generator tests require a POSIX shell")
	}
	root := t.TempDir()
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen, err := codegen.NewProcess(logging.Discard(), "true", 0)
	require.NoError(t, err)
	b := New(logging.Discard(), gen, store, Options{WorkspaceRoot: root})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, codegen.ErrNoOutput)

	// A weights-only bundle is never assembled.
	require.Equal(t, 0, store.openCount())
	requireEmptyDir(t, root)
}

func TestCreateBundleSourceStreamFailure(t *testing.T) {
	root := t.TempDir()
	cause := errors.New("connection reset by peer")
	store := &fakeStore{
		blobs:     map[string][]byte{"model-1.t7": bytes.Repeat([]byte("w"), 64*1024)},
		streamErr: cause,
		failAfter: 1000,
	}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var retrievalErr *RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	require.ErrorIs(t, err, cause)
	requireEmptyDir(t, root)
}

func TestCreateBundleDestinationFailure(t *testing.T) {
	writeErr := errors.New("no space left on device")
	closeErr := errors.New("input/output error")
	tests := []struct {
		name  string
		file  *failingFile
		cause error
	}{
		{"write fails mid-transfer", &failingFile{writeErr: writeErr, failAfter: 10}, writeErr},
		{"write fails immediately", &failingFile{writeErr: writeErr}, writeErr},
		{"close fails", &failingFile{closeErr: closeErr}, closeErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			store := &fakeStore{blobs: map[string][]byte{"model-1.t7": bytes.Repeat([]byte("w"), 64*1024)}}
			gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
			b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})
			b.openDestination = func(string) (io.WriteCloser, error) {
				return tt.file, nil
			}

			bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
			require.Nil(t, bundle)
			var retrievalErr *RetrievalError
			require.ErrorAs(t, err, &retrievalErr)
			require.ErrorIs(t, err, tt.cause)
			requireEmptyDir(t, root)
		})
	}
}

func TestCreateBundleShortTransfer(t *testing.T) {
	store := &truncatingStore{fakeStore: fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{})

	_, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	var retrievalErr *RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	require.Contains(t, err.Error(), "short transfer")
}

// truncatingStore announces one more byte than it delivers.
type truncatingStore struct {
	fakeStore
}

func (s *truncatingStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	rc, size, err := s.fakeStore.Open(ctx, name)
	return rc, size + 1, err
}

func TestCreateBundleGeneratorCollision(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"model.t7": "generated"}}
	b := newTestBundler(t, gen, store, Options{})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var retrievalErr *RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestCreateBundleRejectsSubdirectories(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := New(logging.Discard(), &subdirGenerator{gen}, store, Options{WorkspaceRoot: t.TempDir()})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var workspaceErr *WorkspaceError
	require.ErrorAs(t, err, &workspaceErr)
	require.Contains(t, err.Error(), `unexpected directory "lib"`)
}

// subdirGenerator adds a nested directory to the generated output.
type subdirGenerator struct {
	*fakeGenerator
}

func (g *subdirGenerator) Generate(ctx context.Context, dir string, architecture json.RawMessage) error {
	if err := g.fakeGenerator.Generate(ctx, dir, architecture); err != nil {
		return err
	}
	return os.Mkdir(filepath.Join(dir, "lib"), 0o755)
}

func TestCreateBundleFollowsWorkspaceSymlinks(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "print(1)\n"}}
	linking := &symlinkGenerator{fakeGenerator: gen, link: "main.py", target: "infer.py"}
	b := New(logging.Discard(), linking, store, Options{WorkspaceRoot: t.TempDir()})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	if errors.Is(err, errSymlinksUnsupported) {
		t.Skip("symlinks not supported on this platform")
	}
	require.NoError(t, err)
	require.Equal(t, []string{"infer.py", "main.py", "model.t7"}, bundle.Files)
	files := readBundle(t, bundle)
	require.Equal(t, "print(1)\n", files["main.py"])
	require.Equal(t, "print(1)\n", files["infer.py"])
}

func TestCreateBundleRejectsEscapingSymlinks(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	tests := []struct {
		name   string
		target string
	}{
		{"absolute target", outside},
		{"relative target", filepath.Join("..", "..", "..", "etc", "passwd")},
		{"dangling target", "missing.py"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
			gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
			linking := &symlinkGenerator{fakeGenerator: gen, link: "leak", target: tt.target}
			b := New(logging.Discard(), linking, store, Options{WorkspaceRoot: root})

			bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
			if errors.Is(err, errSymlinksUnsupported) {
				t.Skip("symlinks not supported on this platform")
			}
			require.Nil(t, bundle)
			var workspaceErr *WorkspaceError
			require.ErrorAs(t, err, &workspaceErr)
			require.Contains(t, err.Error(), `"leak"`)
			requireEmptyDir(t, root)
		})
	}
}

func TestCreateBundleRejectsSpecialFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes are not created with mkfifo on windows")
	}
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := New(logging.Discard(), &fifoGenerator{gen}, store, Options{WorkspaceRoot: t.TempDir()})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	require.Nil(t, bundle)
	var workspaceErr *WorkspaceError
	require.ErrorAs(t, err, &workspaceErr)
	require.Contains(t, err.Error(), `unsupported file "pipe"`)
}

// fifoGenerator adds a named pipe to the generated output.
type fifoGenerator struct {
	*fakeGenerator
}

func (g *fifoGenerator) Generate(ctx context.Context, dir string, architecture json.RawMessage) error {
	if err := g.fakeGenerator.Generate(ctx, dir, architecture); err != nil {
		return err
	}
	return exec.CommandContext(ctx, "mkfifo", filepath.Join(dir, "pipe")).Run()
}

var errSymlinksUnsupported = errors.New("symlinks unsupported")

// symlinkGenerator adds a symlink called link pointing at target.
type symlinkGenerator struct {
	*fakeGenerator
	link   string
	target string
}

func (g *symlinkGenerator) Generate(ctx context.Context, dir string, architecture json.RawMessage) error {
	if err := g.fakeGenerator.Generate(ctx, dir, architecture); err != nil {
		return err
	}
	if err := os.Symlink(g.target, filepath.Join(dir, g.link)); err != nil {
		return errSymlinksUnsupported
	}
	return nil
}

func TestCreateBundleInvalidModel(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{}
	b := newTestBundler(t, gen, store, Options{})

	for _, id := range []string{"", "../etc", "a/b", "-42", strings.Repeat("9", 101), "42\n"} {
		bundle, err := b.CreateBundle(t.Context(), Model{ID: id})
		require.Nil(t, bundle, id)
		require.ErrorIs(t, err, ErrInvalidModel, id)
	}
	require.Equal(t, 0, gen.callCount())
	require.Equal(t, 0, store.openCount())
}

func TestCreateBundleIdempotent(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-7.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x", "config.json": "{}"}}
	b := newTestBundler(t, gen, store, Options{})

	first, err := b.CreateBundle(t.Context(), Model{ID: "7"})
	require.NoError(t, err)
	second, err := b.CreateBundle(t.Context(), Model{ID: "7"})
	require.NoError(t, err)

	require.Equal(t, readBundle(t, first), readBundle(t, second))
	require.NotEqual(t, gen.dirs[0], gen.dirs[1], "workspaces must not be reused")
}

func TestCreateBundleConcurrentIsolation(t *testing.T) {
	const n = 8
	store := &fakeStore{blobs: map[string][]byte{}}
	for i := 0; i < n; i++ {
		store.blobs[weights.BlobName(fmt.Sprint(i))] = []byte(fmt.Sprintf("weights-of-%d", i))
	}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}, writeArchitecture: true}
	root := t.TempDir()
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root})

	var wg sync.WaitGroup
	bundles := make([]*Bundle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := Model{ID: fmt.Sprint(i), Architecture: json.RawMessage(fmt.Sprintf(`{"model":%d}`, i))}
			bundles[i], errs[i] = b.CreateBundle(t.Context(), model)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		files := readBundle(t, bundles[i])
		require.Len(t, files, 3)
		require.Equal(t, fmt.Sprintf("weights-of-%d", i), files["model.t7"])
		require.Equal(t, fmt.Sprintf(`{"model":%d}`, i), files["arch.json"])
	}
	requireEmptyDir(t, root)
}

func TestCreateBundleKeepWorkspace(t *testing.T) {
	root := t.TempDir()
	store := &fakeStore{blobs: map[string][]byte{"model-3.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{WorkspaceRoot: root, KeepWorkspace: true})

	_, err := b.CreateBundle(t.Context(), Model{ID: "3"})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(gen.dirs[0], weights.FileName))
	require.NoError(t, err)
	require.Equal(t, deadbeef, content)
	require.Equal(t, root, filepath.Dir(gen.dirs[0]))
}

func TestCreateBundleTarGz(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-42.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x", "config.json": "{}"}}
	b := newTestBundler(t, gen, store, Options{})

	bundle, err := b.CreateBundle(t.Context(), Model{ID: "42"}, WithFormat(archive.FormatTarGz))
	require.NoError(t, err)
	require.Equal(t, archive.FormatTarGz, bundle.Format)
	require.Equal(t, "model-42.tar.gz", bundle.FileName("42"))
	files := readBundle(t, bundle)
	require.Equal(t, map[string]string{"infer.py": "x", "config.json": "{}", "model.t7": string(deadbeef)}, files)
}

func TestCreateBundleProgress(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-42.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{})

	var out bytes.Buffer
	bundle, err := b.CreateBundle(t.Context(), Model{ID: "42"}, WithProgress(&out))
	require.NoError(t, err)

	msgs := decodeProgress(t, &out)
	require.GreaterOrEqual(t, len(msgs), 2)
	require.Equal(t, "progress", msgs[0].Type)
	require.Equal(t, "model-42.t7", msgs[0].Blob.Name)
	last := msgs[len(msgs)-1]
	require.Equal(t, "success", last.Type)
	require.Contains(t, last.Message, bundle.Digest.String())

	out.Reset()
	_, err = b.CreateBundle(t.Context(), Model{ID: "43"}, WithProgress(&out))
	require.Error(t, err)
	msgs = decodeProgress(t, &out)
	require.NotEmpty(t, msgs)
	require.Equal(t, "error", msgs[len(msgs)-1].Type)
}

func decodeProgress(t *testing.T, r io.Reader) []progress.Message {
	t.Helper()
	var msgs []progress.Message
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var msg progress.Message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestCreateBundleCanceled(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	gen := &fakeGenerator{files: map[string]string{"infer.py": "x"}}
	b := newTestBundler(t, gen, store, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	bundle, err := b.CreateBundle(ctx, Model{ID: "1"})
	require.Nil(t, bundle)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, gen.callCount())
}

func TestCreateBundleWorkspaceAllocationFailure(t *testing.T) {
	rootFile := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(rootFile, nil, 0o644))
	gen := &fakeGenerator{}
	b := newTestBundler(t, gen, &fakeStore{}, Options{WorkspaceRoot: rootFile})

	_, err := b.CreateBundle(t.Context(), Model{ID: "1"})
	var workspaceErr *WorkspaceError
	require.ErrorAs(t, err, &workspaceErr)
	require.Equal(t, 0, gen.callCount())
}

func TestHasWeights(t *testing.T) {
	store := &fakeStore{blobs: map[string][]byte{"model-1.t7": deadbeef}}
	b := newTestBundler(t, &fakeGenerator{}, store, Options{})

	ok, err := b.HasWeights(t.Context(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.HasWeights(t.Context(), "2")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = b.HasWeights(t.Context(), "../1")
	require.ErrorIs(t, err, ErrInvalidModel)
}
