package kube

import (
	"context"
	"errors"
	"fmt"
	"io"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var errNoClientset = errors.New("kube client has no clientset")

// ReviewAction is an action checked by CanI and CanThey.
type ReviewAction struct {
	APIVersion string
	Kind       string
	Namespace  string
	Verb       string

	// User and Groups identify the subject for CanThey. CanI ignores them.
	User   string
	Groups []string
}

// attributes resolves the action to the resource attributes of an access
// review.
func (c *Client) attributes(action ReviewAction) (*authorizationv1.ResourceAttributes, error) {
	mapping, err := c.Mapping(action.APIVersion, action.Kind)
	if err != nil {
		return nil, err
	}
	return &authorizationv1.ResourceAttributes{
		Group:     mapping.Resource.Group,
		Version:   mapping.Resource.Version,
		Resource:  mapping.Resource.Resource,
		Namespace: action.Namespace,
		Verb:      action.Verb,
	}, nil
}

// CanI reports whether the authenticated user may perform action.
func (c *Client) CanI(ctx context.Context, action ReviewAction) (bool, error) {
	if c.clientset == nil {
		return false, errNoClientset
	}
	attrs, err := c.attributes(action)
	if err != nil {
		return false, err
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{ResourceAttributes: attrs},
	}
	resp, err := c.clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("self subject access review failed: %w", err)
	}
	return resp.Status.Allowed, nil
}

// CanThey reports whether action.User (or action.Groups) may perform
// action. Namespaced actions use a LocalSubjectAccessReview.
func (c *Client) CanThey(ctx context.Context, action ReviewAction) (bool, error) {
	if c.clientset == nil {
		return false, errNoClientset
	}
	attrs, err := c.attributes(action)
	if err != nil {
		return false, err
	}

	spec := authorizationv1.SubjectAccessReviewSpec{
		ResourceAttributes: attrs,
		User:               action.User,
		Groups:             action.Groups,
	}

	authz := c.clientset.AuthorizationV1()
	if action.Namespace != "" {
		review := &authorizationv1.LocalSubjectAccessReview{
			ObjectMeta: metav1.ObjectMeta{Namespace: action.Namespace},
			Spec:       spec,
		}
		resp, err := authz.LocalSubjectAccessReviews(action.Namespace).Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			return false, fmt.Errorf("local subject access review failed: %w", err)
		}
		return resp.Status.Allowed, nil
	}

	review := &authorizationv1.SubjectAccessReview{Spec: spec}
	resp, err := authz.SubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("subject access review failed: %w", err)
	}
	return resp.Status.Allowed, nil
}

// MyAccessRules lists what the authenticated user may do in namespace.
func (c *Client) MyAccessRules(ctx context.Context, namespace string) (*authorizationv1.SubjectRulesReviewStatus, error) {
	if c.clientset == nil {
		return nil, errNoClientset
	}
	review := &authorizationv1.SelfSubjectRulesReview{
		Spec: authorizationv1.SelfSubjectRulesReviewSpec{Namespace: namespace},
	}
	resp, err := c.clientset.AuthorizationV1().SelfSubjectRulesReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("self subject rules review failed: %w", err)
	}
	return &resp.Status, nil
}

// Logs fetches the logs of a pod container.
func (c *Client) Logs(ctx context.Context, namespace, pod, container string) (string, error) {
	if c.clientset == nil {
		return "", errNoClientset
	}
	req := c.clientset.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{Container: container})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to stream logs of %s/%s: %w", namespace, pod, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs of %s/%s: %w", namespace, pod, err)
	}
	return string(data), nil
}
