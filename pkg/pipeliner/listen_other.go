//go:build !unix

package pipeliner

import "net"

func listen(addr string, _ bool) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
