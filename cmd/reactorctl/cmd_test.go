package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/potooio/reactor/internal/broker"
	"github.com/potooio/reactor/internal/kube"
	"github.com/potooio/reactor/internal/watcher"
)

var jobGVR = schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}

// useFakeClient points getClient at fake clients for the duration of the test.
func useFakeClient(t *testing.T) (*dynamicfake.FakeDynamicClient, *fake.Clientset) {
	t.Helper()
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "Job"}, meta.RESTScopeNamespace)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{jobGVR: "JobList"},
	)
	clientset := fake.NewSimpleClientset()
	client := kube.NewClient(zap.NewNop(), dyn, mapper, clientset)

	orig := getClientFunc
	getClientFunc = func() (*kube.Client, error) { return client, nil }
	t.Cleanup(func() { getClientFunc = orig })
	return dyn, clientset
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func newJob(name string, succeeded int64) *unstructured.Unstructured {
	job := &unstructured.Unstructured{}
	job.SetAPIVersion("batch/v1")
	job.SetKind("Job")
	job.SetNamespace("ci")
	job.SetName(name)
	_ = unstructured.SetNestedField(job.Object, succeeded, "status", "succeeded")
	return job
}

// preparedStream returns a watch reactor whose stream already holds events.
func preparedStream(events ...*unstructured.Unstructured) k8stesting.WatchReactionFunc {
	return func(k8stesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFakeWithChanSize(len(events), false)
		for _, e := range events {
			fw.Modify(e)
		}
		return true, fw, nil
	}
}

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRootCmd(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"wait", "watch", "publish", "can-i", "logs"}, names)

	output := root.PersistentFlags().Lookup("output")
	require.NotNil(t, output)
	assert.Equal(t, "o", output.Shorthand)
	assert.Equal(t, "yaml", output.DefValue)
}

func TestOutputResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputResult(&buf, AccessResult{Verb: "get", Allowed: true}, "json"))
	assert.Contains(t, buf.String(), `"allowed": true`)

	buf.Reset()
	require.NoError(t, outputResult(&buf, AccessResult{Verb: "get", Allowed: true}, "yaml"))
	assert.Contains(t, buf.String(), "allowed: true")

	assert.Error(t, outputResult(&buf, AccessResult{}, "table"))
}

func TestWaitCmd_Field(t *testing.T) {
	dyn, _ := useFakeClient(t)
	dyn.PrependWatchReactor("jobs", preparedStream(newJob("migrate", 0), newJob("migrate", 1)))

	out, err := execute(t, "wait", "batch/v1:Job:ci:migrate", "--field", "status.succeeded", "--value", "1", "-o", "json", "--timeout", "5s")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	succeeded, _, _ := unstructured.NestedFieldNoCopy(got, "status", "succeeded")
	assert.EqualValues(t, 1, succeeded)
}

func TestWaitCmd_FirstEvent(t *testing.T) {
	dyn, _ := useFakeClient(t)
	dyn.PrependWatchReactor("jobs", preparedStream(newJob("migrate", 0)))

	out, err := execute(t, "wait", "batch/v1:Job:ci:migrate", "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "name: migrate")
}

func TestWaitCmd_Timeout(t *testing.T) {
	dyn, _ := useFakeClient(t)
	dyn.PrependWatchReactor("jobs", preparedStream(newJob("migrate", 0)))

	_, err := execute(t, "wait", "batch/v1:Job:ci:migrate", "--field", "status.succeeded", "--value", "1", "--timeout", "50ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitCmd_InvalidArgs(t *testing.T) {
	useFakeClient(t)

	_, err := execute(t, "wait", "Job")
	assert.ErrorIs(t, err, kube.ErrInvalidDescriptor)

	_, err = execute(t, "wait", "batch/v1:Job", "--value", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--value requires --field")

	_, err = execute(t, "wait")
	assert.Error(t, err)
}

func TestRunWatch(t *testing.T) {
	fw := watch.NewFakeWithChanSize(2, false)
	fw.Add(newJob("a", 0))
	fw.Delete(newJob("a", 1))
	var opened bool
	opener := func(context.Context, kube.Descriptor) (watch.Interface, error) {
		if opened {
			return watch.NewFake(), nil
		}
		opened = true
		return fw, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	result := make(chan error, 1)
	go func() {
		result <- runWatch(ctx, watcher.StreamOpenerFunc(opener), kube.Descriptor{APIVersion: "batch/v1", Kind: "Job"}, &out, "yaml")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "type: DELETED")
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.True(t, strings.HasPrefix(out.String(), "---\n"))
	assert.Contains(t, out.String(), "type: ADDED")
	assert.True(t, fw.IsStopped())
}

func TestCanICmd(t *testing.T) {
	_, clientset := useFakeClient(t)
	clientset.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview).DeepCopy()
		review.Status.Allowed = review.Spec.ResourceAttributes.Verb == "create"
		return true, review, nil
	})

	out, err := execute(t, "can-i", "create", "batch/v1:Job:ci", "-o", "json")
	require.NoError(t, err)
	var got AccessResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Allowed)
	assert.Equal(t, "ci", got.Resource.Namespace)

	out, err = execute(t, "can-i", "delete", "batch/v1:Job:ci", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.Allowed)
}

func TestCanICmd_As(t *testing.T) {
	_, clientset := useFakeClient(t)
	var user string
	clientset.PrependReactor("create", "localsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.LocalSubjectAccessReview).DeepCopy()
		user = review.Spec.User
		review.Status.Allowed = true
		return true, review, nil
	})

	_, err := execute(t, "can-i", "get", "batch/v1:Job:ci", "--as", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestCanICmd_List(t *testing.T) {
	_, clientset := useFakeClient(t)
	clientset.PrependReactor("create", "selfsubjectrulesreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectRulesReview).DeepCopy()
		review.Status.ResourceRules = []authorizationv1.ResourceRule{{Verbs: []string{"get"}, Resources: []string{"jobs"}}}
		return true, review, nil
	})

	out, err := execute(t, "can-i", "--list", "batch/v1:Job:ci")
	require.NoError(t, err)
	assert.Contains(t, out, "jobs")

	_, err = execute(t, "can-i", "get")
	assert.Error(t, err)
}

func TestLogsCmd(t *testing.T) {
	useFakeClient(t)

	out, err := execute(t, "logs", "-n", "ci", "runner")
	require.NoError(t, err)
	assert.Equal(t, "fake logs", out)
}

// fakeChannel implements the broker channel calls made while publishing.
type fakeChannel struct {
	broker.Channel

	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeConnection struct {
	channel *fakeChannel
	closed  bool
}

func (c *fakeConnection) Channel() (broker.Channel, error) { return c.channel, nil }
func (c *fakeConnection) IsClosed() bool                   { return c.closed }
func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

func useFakeBroker(t *testing.T) *fakeConnection {
	t.Helper()
	conn := &fakeConnection{channel: &fakeChannel{}}
	orig := dialBroker
	dialBroker = func(context.Context, *broker.Config) (broker.Connection, error) { return conn, nil }
	t.Cleanup(func() { dialBroker = orig })
	return conn
}

func writeBrokerConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	content := `
queues:
  jobs: {}
publishers:
  toJobs:
    queue: jobs
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPublishCmd(t *testing.T) {
	conn := useFakeBroker(t)
	path := writeBrokerConfig(t)

	out, err := execute(t, "publish", "--broker-config", path, "--publisher", "toJobs", "--correlation-id", "c-1", `{"id":1}`)
	require.NoError(t, err)
	assert.Contains(t, out, "publisher: toJobs")

	require.Len(t, conn.channel.published, 1)
	msg := conn.channel.published[0]
	assert.Equal(t, "jobs", conn.channel.keys[0])
	assert.JSONEq(t, `{"id":1}`, string(msg.Body))
	assert.Equal(t, "c-1", msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.True(t, conn.closed)
}

func TestPublishCmd_Errors(t *testing.T) {
	useFakeBroker(t)
	path := writeBrokerConfig(t)

	_, err := execute(t, "publish", `{"id":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")

	_, err = execute(t, "publish", "--broker-config", path, "--publisher", "toJobs", `{not json`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = execute(t, "publish", "--broker-config", path, "--publisher", "missing", `{}`)
	assert.ErrorIs(t, err, broker.ErrUnknownPublisher)
}
