package tunshare

import (
	"io"
	"sync"
)

// BridgeChannels connects two ChannelConn's together, copying between them bi-directionally
// until end-of-stream is reached in both directions. Both channels are closed before this
// function returns. Three values are returned:
//    Number of bytes transferred from caller to calledService
//    Number of bytes transferred from calledService to caller
//    If io.Copy() returned an error in either direction, the error value.
//
// CloseWrite() is called on each channel after transfer to that channel is complete.
func BridgeChannels(
	logger Logger,
	caller ChannelConn,
	calledService ChannelConn,
) (int64, int64, error) {
	var callerToServiceBytes, serviceToCallerBytes int64
	var callerToServiceErr, serviceToCallerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	copyFunc := func(src ChannelConn, dst ChannelConn, bytesCopied *int64, copyErr *error) {
		*bytesCopied, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			logger.DLogf("io.Copy(%s->%s) returned error: %s", src, dst, *copyErr)
		}
		dst.CloseWrite()
		wg.Done()
	}
	go copyFunc(caller, calledService, &callerToServiceBytes, &callerToServiceErr)
	go copyFunc(calledService, caller, &serviceToCallerBytes, &serviceToCallerErr)
	wg.Wait()
	calledService.Close()
	caller.Close()
	err := callerToServiceErr
	if err == nil {
		err = serviceToCallerErr
	}
	return callerToServiceBytes, serviceToCallerBytes, err
}
