package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type sent struct {
	kind    string
	channel string
	body    string
}

type recordingMessenger struct {
	sent     []sent
	videoErr error
}

func (m *recordingMessenger) SendText(_ context.Context, channel, text string) error {
	m.sent = append(m.sent, sent{"text", channel, text})
	return nil
}

func (m *recordingMessenger) SendPhoto(_ context.Context, channel string, _ []byte, caption string) error {
	m.sent = append(m.sent, sent{"photo", channel, caption})
	return nil
}

func (m *recordingMessenger) SendVideo(_ context.Context, channel, file, _ string) error {
	m.sent = append(m.sent, sent{"video", channel, file})
	return m.videoErr
}

type stubUploader struct {
	link string
	err  error
	mime string
}

func (u *stubUploader) Upload(_ context.Context, _, mimeType string, _ map[string]string) (string, error) {
	u.mime = mimeType
	return u.link, u.err
}

func TestRouterSendsSmallArtifactsDirectly(t *testing.T) {
	t.Parallel()

	m := &recordingMessenger{}
	up := &stubUploader{link: "https://cdn.test/x.mp4"}
	d, err := NewRouter(m, up, 100, nil).Deliver(context.Background(), Artifact{Channel: "c1", Path: "/tmp/x.mp4", Size: 100})
	require.NoError(t, err)
	require.Equal(t, PathDirect, d.Path)
	require.Equal(t, []sent{{"video", "c1", "/tmp/x.mp4"}}, m.sent)
	require.Empty(t, up.mime, "upload not attempted")
}

func TestRouterUploadsLargeArtifacts(t *testing.T) {
	t.Parallel()

	m := &recordingMessenger{}
	up := &stubUploader{link: "https://cdn.test/x.mp4"}
	d, err := NewRouter(m, up, 100, nil).Deliver(context.Background(), Artifact{Channel: "c1", Path: "/tmp/x.mp4", Size: 101, Caption: "alice clip"})
	require.NoError(t, err)
	require.Equal(t, Delivery{Path: PathLink, Link: "https://cdn.test/x.mp4"}, d)
	require.Equal(t, "video/mp4", up.mime)
	require.Equal(t, []sent{{"text", "c1", "alice clip\nhttps://cdn.test/x.mp4"}}, m.sent)
}

func TestRouterFallsBackWhenUploadFails(t *testing.T) {
	t.Parallel()

	m := &recordingMessenger{}
	up := &stubUploader{err: errors.New("bucket gone")}
	d, err := NewRouter(m, up, 100, nil).Deliver(context.Background(), Artifact{Channel: "c1", Path: "/tmp/x.mp4", Size: 500})
	require.NoError(t, err)
	require.Equal(t, PathFallback, d.Path)
	require.Equal(t, []sent{{"video", "c1", "/tmp/x.mp4"}}, m.sent)
}

func TestRouterReportsDirectFailure(t *testing.T) {
	t.Parallel()

	m := &recordingMessenger{videoErr: errors.New("too large")}
	d, err := NewRouter(m, nil, 100, nil).Deliver(context.Background(), Artifact{Channel: "c1", Path: "/tmp/x.mp4", Size: 500})
	require.Error(t, err)
	require.Equal(t, PathFallback, d.Path)
}
