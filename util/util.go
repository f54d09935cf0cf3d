package util

import (
	"fmt"
	"math/rand"
	"net"
	"net/rpc"
	"time"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// Call is RPC call helper with a default deadline.
func Call(srv minigfs.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	return CallTimeout(srv, rpcname, args, reply, 5*time.Second)
}

// CallTimeout dials srv and performs one call, bounding dial and call
// together by d. The master never waits on a node without a deadline.
func CallTimeout(srv minigfs.ServerAddress, rpcname string, args interface{}, reply interface{}, d time.Duration) error {
	deadline := time.Now().Add(d)

	conn, err := net.DialTimeout("tcp", string(srv), d)
	if err != nil {
		return err
	}
	c := rpc.NewClient(conn)
	defer c.Close()

	call := c.Go(rpcname, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("call %s on %s timed out after %v", rpcname, srv, d)
	}
}

// Sample randomly chooses k elements from {0, 1, ..., n-1}.
// n should not be less than k.
func Sample(n, k int) ([]int, error) {
	if n < k {
		return nil, fmt.Errorf("population is not enough for sampling (n = %d, k = %d)", n, k)
	}
	return rand.Perm(n)[:k], nil
}
