package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ConfigMapScheme is the URL scheme served by ConfigMap:
//
//	configmap://<namespace>/<name>/<key>
const ConfigMapScheme = "configmap"

// ConfigMap reads manifest documents stored as ConfigMap data, which lets a cluster
// operator publish manifests next to the UnitManifest resources that reference them.
type ConfigMap struct {
	Reader client.Reader
}

func NewConfigMap(reader client.Reader) *ConfigMap {
	return &ConfigMap{Reader: reader}
}

func (c *ConfigMap) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ref, key, err := parseConfigMapURL(rawURL)
	if err != nil {
		return nil, err
	}

	var cm corev1.ConfigMap
	if err := c.Reader.Get(ctx, ref, &cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("configmap %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("get configmap %s: %w", ref, err)
	}

	if v, ok := cm.Data[key]; ok {
		return []byte(v), nil
	}
	if v, ok := cm.BinaryData[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("configmap %s key %q: %w", ref, key, ErrNotFound)
}

func parseConfigMapURL(rawURL string) (types.NamespacedName, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.NamespacedName{}, "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != ConfigMapScheme {
		return types.NamespacedName{}, "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if u.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.NamespacedName{}, "", fmt.Errorf("configmap url must be configmap://<namespace>/<name>/<key>, got %s", rawURL)
	}
	return types.NamespacedName{Namespace: u.Host, Name: parts[0]}, parts[1], nil
}
