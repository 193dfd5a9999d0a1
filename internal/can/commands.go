package can

import "fmt"

// Command is a command code as carried in the low 16 bits of an identifier.
type Command uint16

// Flag bits embedded in the command field.
const (
	// FlagRsp marks a response rather than a request.
	FlagRsp Command = 0x1000
	// FlagData marks that an 8-byte payload accompanies the identifier.
	FlagData Command = 0x2000
)

// Slave management commands.
const (
	ModeChangeRq       Command = 0x0001
	ModeChangeRsp              = ModeChangeRq | FlagRsp
	ModeVerifyRq       Command = 0x0003
	ModeVerifyRsp              = ModeVerifyRq | FlagRsp
	ModeRebootRq       Command = 0x0004
	ModeRebootRsp              = ModeRebootRq | FlagRsp
	ModeUpdateStartRq  Command = 0x0005
	ModeUpdateStartRsp         = ModeUpdateStartRq | FlagRsp
	ModeRollbackRq     Command = 0x0010
	ModeRollbackRsp            = ModeRollbackRq | FlagRsp
)

// Data transfer commands.
const (
	DataStartRq    Command = 0x0006
	DataStartReady Command = 0x0007
	DataChunk              = 0x0008 | FlagData
	DataLen                = 0x0009 | FlagData

	// CRC exchange codes are reserved on the wire; the node does not handle them.
	DataCRC    Command = 0x000a
	DataCRCOK  Command = 0x000b
	DataCRCErr Command = 0x000c

	DataBlockAckRq   Command = 0x000d
	DataBlockAckRsp          = DataBlockAckRq | FlagRsp
	DataFinishRq     Command = 0x000e
	DataFinishRsp            = DataFinishRq | FlagRsp
	DataFlashRead            = 0x000f | FlagData
	DataFlashReadRsp         = DataFlashRead | FlagRsp
	DataSizeAddrRq   Command = 0x0011
	DataSizeAddrRsp          = DataSizeAddrRq | FlagData | FlagRsp
)

// HasData reports whether a payload accompanies the command.
func (c Command) HasData() bool { return c&FlagData != 0 }

// IsResponse reports whether the response flag is set.
func (c Command) IsResponse() bool { return c&FlagRsp != 0 }

// Response returns the paired response code formed by setting the response flag.
// Codes with a distinct response (DataStartRq → DataStartReady, DataSizeAddrRq)
// are mapped explicitly.
func (c Command) Response() Command {
	switch c {
	case DataStartRq:
		return DataStartReady
	case DataSizeAddrRq:
		return DataSizeAddrRsp
	}
	return c | FlagRsp
}

var commandNames = map[Command]string{
	ModeChangeRq:       "mode_change_rq",
	ModeChangeRsp:      "mode_change_rsp",
	ModeVerifyRq:       "mode_verify_rq",
	ModeVerifyRsp:      "mode_verify_rsp",
	ModeRebootRq:       "reboot_rq",
	ModeRebootRsp:      "reboot_rsp",
	ModeUpdateStartRq:  "update_start_rq",
	ModeUpdateStartRsp: "update_start_rsp",
	ModeRollbackRq:     "rollback_rq",
	ModeRollbackRsp:    "rollback_rsp",
	DataStartRq:        "data_start_rq",
	DataStartReady:     "data_start_ready",
	DataChunk:          "data_chunk",
	DataLen:            "data_len",
	DataCRC:            "data_crc",
	DataCRCOK:          "data_crc_ok",
	DataCRCErr:         "data_crc_err",
	DataBlockAckRq:     "block_ack_rq",
	DataBlockAckRsp:    "block_ack_rsp",
	DataFinishRq:       "finish_rq",
	DataFinishRsp:      "finish_rsp",
	DataFlashRead:      "flash_read",
	DataFlashReadRsp:   "flash_read_rsp",
	DataSizeAddrRq:     "size_addr_rq",
	DataSizeAddrRsp:    "size_addr_rsp",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}
