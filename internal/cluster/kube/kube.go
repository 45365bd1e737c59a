// Package kube submits MLTask custom objects through the Kubernetes dynamic
// client.
package kube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/carbonetes/mltaskd/internal/cluster"
)

// Config selects the custom resource and how to reach the API server.
type Config struct {
	Kubeconfig string
	Context    string
	Group      string
	Version    string
	Resource   string
	Kind       string
	QPS        float32
	Burst      int
	Timeout    time.Duration
	FieldOwner string
	// Namespace is probed by Ping.
	Namespace string
}

func (c Config) gvr() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: c.Group, Version: c.Version, Resource: c.Resource}
}

type Submitter struct {
	cfg    Config
	client dynamic.Interface
}

// New builds a dynamic client, preferring in-cluster credentials when no
// kubeconfig path is configured.
func New(cfg Config) (*Submitter, error) {
	rc, err := restConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube config: %w", err)
	}
	if cfg.QPS > 0 {
		rc.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		rc.Burst = cfg.Burst
	}
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	client, err := dynamic.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("dynamic client: %w", err)
	}
	log.Info().Str("host", rc.Host).Str("gvr", cfg.gvr().String()).Msg("Kubernetes submitter ready")
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing dynamic client.
func NewWithClient(client dynamic.Interface, cfg Config) *Submitter {
	if cfg.FieldOwner == "" {
		cfg.FieldOwner = "mltaskd"
	}
	return &Submitter{cfg: cfg, client: client}
}

func restConfig(cfg Config) (*rest.Config, error) {
	if cfg.Kubeconfig == "" && cfg.Context == "" {
		rc, err := rest.InClusterConfig()
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, rest.ErrNotInCluster) {
			return nil, err
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}

func (s *Submitter) Name() string { return "kubernetes" }

func (s *Submitter) Create(ctx context.Context, d cluster.Descriptor) (string, error) {
	obj := s.object(d)
	created, err := s.client.Resource(s.cfg.gvr()).Namespace(d.Namespace).
		Create(ctx, obj, metav1.CreateOptions{FieldManager: s.cfg.FieldOwner})
	if err != nil {
		return "", &cluster.Error{Reason: classify(err), Err: err}
	}
	log.Debug().Str("workload", created.GetName()).Str("namespace", d.Namespace).Str("uid", string(created.GetUID())).Msg("workload created")
	return created.GetName(), nil
}

func (s *Submitter) Status(ctx context.Context, namespace, name string) (cluster.WorkloadStatus, error) {
	obj, err := s.client.Resource(s.cfg.gvr()).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return cluster.WorkloadStatus{}, fmt.Errorf("%w: %s/%s", cluster.ErrWorkloadNotFound, namespace, name)
	}
	if err != nil {
		return cluster.WorkloadStatus{}, &cluster.Error{Reason: classify(err), Err: err}
	}
	return statusOf(obj), nil
}

// Ping lists at most one workload to prove the API server is reachable and
// the resource is served.
func (s *Submitter) Ping(ctx context.Context) error {
	ns := s.cfg.Namespace
	if ns == "" {
		ns = metav1.NamespaceDefault
	}
	_, err := s.client.Resource(s.cfg.gvr()).Namespace(ns).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return &cluster.Error{Reason: classify(err), Err: err}
	}
	return nil
}

// object renders the MLTask body: metadata.name plus
// spec{datashape, dataset_size, label_count, script}.
func (s *Submitter) object(d cluster.Descriptor) *unstructured.Unstructured {
	shape := make([]interface{}, len(d.DataShape))
	for i, v := range d.DataShape {
		shape[i] = int64(v)
	}
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"spec": map[string]interface{}{
			"datashape":    shape,
			"dataset_size": int64(d.DatasetSize),
			"label_count":  int64(d.LabelCount),
			"script":       d.Script,
		},
	}}
	obj.SetAPIVersion(schema.GroupVersion{Group: s.cfg.Group, Version: s.cfg.Version}.String())
	obj.SetKind(s.cfg.Kind)
	obj.SetName(d.Name)
	obj.SetNamespace(d.Namespace)
	if len(d.Labels) > 0 {
		obj.SetLabels(d.Labels)
	}
	return obj
}

// statusOf reads status.phase, falling back to the operator handler result
// stored under status.handle_mltask.
func statusOf(obj *unstructured.Unstructured) cluster.WorkloadStatus {
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	if phase == "" {
		phase, _, _ = unstructured.NestedString(obj.Object, "status", "handle_mltask", "phase")
	}
	msg, _, _ := unstructured.NestedString(obj.Object, "status", "message")
	return cluster.WorkloadStatus{Phase: cluster.NormalizePhase(phase), Message: msg}
}

func classify(err error) cluster.Reason {
	var netErr net.Error
	switch {
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		return cluster.ReasonConflict
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsNotFound(err):
		return cluster.ReasonInvalid
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return cluster.ReasonUnauthorized
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return cluster.ReasonTimeout
	case apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return cluster.ReasonUnavailable
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return cluster.ReasonTimeout
		}
		return cluster.ReasonUnavailable
	}
	return cluster.ReasonUnknown
}
