//go:build !linux

package metadata

func hostNamespaceID() string { return "" }

func processComm() string { return "" }
