package app

import (
	"strings"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// The built-in echo job: the master publishes its argument vector as a
// persistent task, every worker answers with a result line.
const (
	kindEcho  = protocol.KindUser
	subTask   = 0x01
	subResult = 0x02
)

func taskMessage(args []string) []byte {
	return protocol.Join(protocol.Header(kindEcho, subTask), protocol.EncodeStrings(args...))
}

func resultMessage(text string) []byte {
	return protocol.Join(protocol.Header(kindEcho, subResult), protocol.EncodeStrings(text))
}

// registerEchoMaster installs the master-side handler; onResult sees every
// decoded result.
func registerEchoMaster(router *dispatch.Router, onResult func(id int, text string)) {
	router.Register(kindEcho, func(msg *dispatch.Message) bool {
		if msg.Sub() != subResult {
			return false
		}
		ss, err := protocol.DecodeStrings(msg.Body())
		if err != nil || len(ss) == 0 {
			router.Disconnect(msg.Source, protocol.ErrTruncated)
			return true
		}
		onResult(msg.Source, ss[0])
		return true
	})
}

// registerEchoWorker installs the worker-side handler.
func registerEchoWorker(router *dispatch.Router, name string) {
	router.Register(kindEcho, func(msg *dispatch.Message) bool {
		if msg.Sub() != subTask {
			return false
		}
		args, err := protocol.DecodeStrings(msg.Body())
		if err != nil {
			router.Disconnect(msg.Source, err)
			return true
		}

		result := strings.ToUpper(strings.Join(args, " "))
		util.LogInfo("[%03d] task %q", msg.Source, args)
		router.Print(msg.Source, "working on "+name)
		if err := router.Send(msg.Source, resultMessage(result)); err != nil {
			util.LogWarning("[%03d] cannot send result: %v", msg.Source, err)
		}
		return true
	})
}
