// mxconv lowers the convolutions of MXNet symbol files to GoMLX.
//
// Usage:
//
//	mxconv lower model-symbol.json
//	mxconv run --seed=7 model-symbol.json
package main

import (
	"os"

	"github.com/gomlx/mxnet-gomlx/internal/cli"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := cli.NewRootCommand().Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
