package kernelmanager

// FirecrackerImage names the boot artifacts for one guest language, shared
// between the linux FirecrackerBackend and its non-linux stub so callers
// can build configuration without a build tag of their own.
type FirecrackerImage struct {
	KernelPath string
	RootFSPath string
}
