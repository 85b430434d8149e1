package transfer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/relay/internal/executor"
	rssh "github.com/agent462/relay/internal/ssh"
	"github.com/agent462/relay/internal/sshtest"
	"github.com/agent462/relay/internal/transfer"
)

func testConfig(t *testing.T, keyPath string) rssh.ClientConfig {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	return rssh.ClientConfig{
		User:            "testuser",
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}
}

// sftpClient starts an sftp-capable server and returns a client to it.
func sftpClient(t *testing.T) *transfer.Client {
	t.Helper()
	pubKey, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.New(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())

	conn, err := rssh.NewConn(executor.Endpoint{Host: "127.0.0.1", Port: srv.Port()}, testConfig(t, keyPath))
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := conn.SFTP(context.Background())
	if err != nil {
		t.Fatalf("sftp: %v", err)
	}
	return client
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUploadFile(t *testing.T) {
	client := sftpClient(t)

	localPath := filepath.Join(t.TempDir(), "testfile.txt")
	content := "hello world from transfer test\n"
	writeFile(t, localPath, content)

	var mu sync.Mutex
	var progressCalls int
	client.SetProgress("testhost", func(label string, transferred, total int64) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	})

	remotePath := filepath.ToSlash(filepath.Join(t.TempDir(), "nested", "testfile.txt"))
	stats, err := client.Upload(context.Background(), localPath, remotePath)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if stats.Bytes != int64(len(content)) || stats.Files != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Checksum == "" {
		t.Error("checksum is empty")
	}
	if progressCalls == 0 {
		t.Error("progress callback was never called")
	}

	data, err := os.ReadFile(filepath.FromSlash(remotePath))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != content {
		t.Errorf("uploaded content = %q", data)
	}
}

func TestUploadTree(t *testing.T) {
	client := sftpClient(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "bb")
	writeFile(t, filepath.Join(src, "sub", "deeper", "c.txt"), "ccc")

	dst := filepath.ToSlash(filepath.Join(t.TempDir(), "tree"))
	stats, err := client.Upload(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if stats.Files != 3 || stats.Bytes != 6 {
		t.Errorf("stats = %+v, want 3 files and 6 bytes", stats)
	}

	for rel, want := range map[string]string{"a.txt": "a", "sub/b.txt": "bb", "sub/deeper/c.txt": "ccc"} {
		data, err := os.ReadFile(filepath.Join(filepath.FromSlash(dst), filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("%s: %v", rel, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", rel, data, want)
		}
	}
}

func TestDownloadFile(t *testing.T) {
	client := sftpClient(t)

	remotePath := filepath.Join(t.TempDir(), "remote.txt")
	writeFile(t, remotePath, "remote content\n")

	localPath := filepath.Join(t.TempDir(), "out", "remote.txt")
	stats, err := client.Download(context.Background(), filepath.ToSlash(remotePath), localPath)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if stats.Files != 1 || stats.Bytes != int64(len("remote content\n")) {
		t.Errorf("stats = %+v", stats)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "remote content\n" {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestDownloadTree(t *testing.T) {
	client := sftpClient(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "x.conf"), "x")
	writeFile(t, filepath.Join(src, "d", "y.conf"), "yy")

	dst := filepath.Join(t.TempDir(), "copy")
	stats, err := client.Download(context.Background(), filepath.ToSlash(src), dst)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if stats.Files != 2 {
		t.Errorf("files = %d, want 2", stats.Files)
	}
	data, err := os.ReadFile(filepath.Join(dst, "d", "y.conf"))
	if err != nil || string(data) != "yy" {
		t.Errorf("d/y.conf = %q, %v", data, err)
	}
}

func TestDownloadMissing(t *testing.T) {
	client := sftpClient(t)

	missing := filepath.ToSlash(filepath.Join(t.TempDir(), "nope"))
	if _, err := client.Download(context.Background(), missing, filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected an error for a missing remote file")
	}
}

func TestUploadCanceled(t *testing.T) {
	client := sftpClient(t)

	localPath := filepath.Join(t.TempDir(), "f")
	writeFile(t, localPath, "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Upload(ctx, localPath, filepath.ToSlash(filepath.Join(t.TempDir(), "f"))); err == nil {
		t.Fatal("expected an error with a canceled context")
	}
}

func TestFileOperations(t *testing.T) {
	client := sftpClient(t)
	root := filepath.ToSlash(t.TempDir())
	dir := root + "/a/b"
	file := dir + "/f.txt"

	if err := client.Mkdir(root+"/single", false); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := client.Mkdir(dir, true); err != nil {
		t.Fatalf("Mkdir parents: %v", err)
	}
	if ok, err := client.IsDir(dir); err != nil || !ok {
		t.Errorf("IsDir(%s) = %v, %v", dir, ok, err)
	}

	f, err := client.Create(file)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Write([]byte("content"))
	f.Close()

	if ok, err := client.IsFile(file); err != nil || !ok {
		t.Errorf("IsFile = %v, %v", ok, err)
	}
	if ok, _ := client.IsDir(file); ok {
		t.Error("a file is not a directory")
	}
	if ok, err := client.Exists(root + "/missing"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
	if ok, err := client.IsFile(root + "/missing"); err != nil || ok {
		t.Errorf("IsFile(missing) = %v, %v", ok, err)
	}

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := client.Utime(file, mtime, mtime); err != nil {
		t.Fatalf("Utime: %v", err)
	}
	fi, err := client.Stat(file)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !fi.ModTime().Equal(mtime) {
		t.Errorf("mtime = %s, want %s", fi.ModTime(), mtime)
	}

	if err := client.Remove(root+"/a", false); err == nil {
		t.Error("non-recursive remove of a non-empty dir should fail")
	}
	if err := client.Remove(root+"/a", true); err != nil {
		t.Fatalf("recursive Remove: %v", err)
	}
	if ok, _ := client.Exists(root + "/a"); ok {
		t.Error("tree still exists after recursive remove")
	}
}

func TestFanoutPushAndPull(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	var eps []executor.Endpoint
	for range 2 {
		srv := sshtest.New(t, sshtest.WithPublicKey(pubKey), sshtest.WithSFTP())
		eps = append(eps, executor.Endpoint{Host: "127.0.0.1", Port: srv.Port()})
	}

	reg := rssh.NewRegistry(testConfig(t, keyPath), nil)
	defer reg.CloseAll()
	fanout := transfer.NewFanout(reg, transfer.WithConcurrency(2))

	localPath := filepath.Join(t.TempDir(), "app.conf")
	writeFile(t, localPath, "setting=1\n")

	// Both servers share the local filesystem, so push to one path each.
	remoteDir := filepath.ToSlash(t.TempDir())
	var results []*transfer.Result
	for i, ep := range eps {
		remote := remoteDir + "/" + transfer.LocalDirName(ep) + "/app.conf"
		results = append(results, fanout.Push(context.Background(), eps[i:i+1], localPath, remote, nil)...)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("push %s: %v", r.Endpoint, r.Err)
		}
		if r.Stats.Files != 1 {
			t.Errorf("push %s: stats = %+v", r.Endpoint, r.Stats)
		}
	}

	pullDir := t.TempDir()
	remote := remoteDir + "/" + transfer.LocalDirName(eps[0]) + "/app.conf"
	pulled := fanout.Pull(context.Background(), eps, remote, pullDir, nil)
	if len(pulled) != 2 {
		t.Fatalf("expected 2 results, got %d", len(pulled))
	}
	for _, r := range pulled {
		if r.Err != nil {
			t.Fatalf("pull %s: %v", r.Endpoint, r.Err)
		}
		data, err := os.ReadFile(filepath.Join(pullDir, transfer.LocalDirName(r.Endpoint), "app.conf"))
		if err != nil || string(data) != "setting=1\n" {
			t.Errorf("pulled %s: %q, %v", r.Endpoint, data, err)
		}
	}
}

func TestFanoutConnectFailure(t *testing.T) {
	_, keyPath := sshtest.GenerateKey(t)
	reg := rssh.NewRegistry(testConfig(t, keyPath), nil)
	fanout := transfer.NewFanout(reg, transfer.WithTimeout(2*time.Second))

	// Port 1 on localhost is not an SSH server.
	ep := executor.Endpoint{Host: "127.0.0.1", Port: 1}
	results := fanout.Push(context.Background(), []executor.Endpoint{ep}, "/nonexistent", "/tmp/x", nil)
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected a connect error, got %+v", results)
	}
}

func TestLocalDirName(t *testing.T) {
	tests := []struct {
		ep   executor.Endpoint
		want string
	}{
		{executor.Endpoint{Host: "web1", Port: 22}, "web1"},
		{executor.Endpoint{Host: "web1"}, "web1"},
		{executor.Endpoint{Host: "web1", Port: 2222}, "web1_2222"},
	}
	for _, tc := range tests {
		if got := transfer.LocalDirName(tc.ep); got != tc.want {
			t.Errorf("LocalDirName(%v) = %q, want %q", tc.ep, got, tc.want)
		}
	}
}
