package k8sfetcher

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/klog/v2"
)

// BridgeKubernetesLogs routes client-go's klog output through the given
// zap logger so an embedding application gets one logging story for both
// this library and the vendored Kubernetes machinery. Call once at
// startup before creating a Fetcher. The returned logr.Logger is the
// same sink, for callers that want to hand it to other logr consumers.
func BridgeKubernetesLogs(zl *zap.Logger) logr.Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	lg := zapr.NewLogger(zl)
	klog.SetLogger(lg)
	return lg
}
