package cucp

import (
	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
)

// DRBID identifies a data radio bearer of a UE.
type DRBID uint8

// Cause is the reason carried by failures and release commands.
type Cause uint8

const (
	CauseUnspecified Cause = iota
	CauseRadioNetwork
	CauseTransportUnavailable
	CauseNormalRelease
	CauseOverload
	CauseMisconfiguration
	CauseUnknownPLMN
	CauseMissingIE
	CauseHandoverCancelled
)

var causeNames = [...]string{
	"unspecified",
	"radio-network",
	"transport-unavailable",
	"normal-release",
	"overload",
	"misconfiguration",
	"unknown-plmn",
	"missing-ie",
	"handover-cancelled",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return "cause(?)"
}

// NRCGI is the NR cell global identity.
type NRCGI uint64

// ServedCell is a DU cell announced in F1 setup.
type ServedCell struct {
	NRCGI NRCGI
	PCI   uint16
	TAC   uint32
	// MIB and SIB1 as packed by the DU.
	MIB  []byte
	SIB1 []byte
}

// DRB describes a bearer to set up at the DU.
type DRB struct {
	ID       DRBID
	LCID     core.LCID
	QoSFlows []uint8
}

// F1APMessage is one decoded F1AP PDU, in either direction.
type F1APMessage interface {
	isF1APMessage()
}

type (
	F1SetupRequest struct {
		TransactionID uint8
		GNBDUID       uint64
		Name          string
		ServedCells   []ServedCell
	}
	F1SetupResponse struct {
		TransactionID   uint8
		CellsToActivate []NRCGI
	}
	F1SetupFailure struct {
		TransactionID uint8
		Cause         Cause
	}
	InitialULRRCMessageTransfer struct {
		DUUEF1APID DUUEF1APID
		NRCGI      NRCGI
		CRNTI      core.RNTI
		RRC        RRCULMessage
	}
	ULRRCMessageTransfer struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		SRBID      uint8
		RRC        RRCULMessage
	}
	DLRRCMessageTransfer struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		SRBID      uint8
		RRC        RRCDLMessage
	}
	UEContextSetupRequest struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		DRBs       []DRB
	}
	UEContextSetupResponse struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		CRNTI      core.RNTI
		DRBsSetup  []DRBID
	}
	UEContextSetupFailure struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		Cause      Cause
	}
	UEContextModificationRequest struct {
		CUUEF1APID    CUUEF1APID
		DUUEF1APID    DUUEF1APID
		DRBsToSetup   []DRB
		DRBsToRelease []DRBID
	}
	UEContextModificationResponse struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		DRBsSetup  []DRBID
		DRBsFailed []DRBID
	}
	UEContextModificationFailure struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		Cause      Cause
	}
	UEContextReleaseCommand struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
		Cause      Cause
	}
	UEContextReleaseComplete struct {
		CUUEF1APID CUUEF1APID
		DUUEF1APID DUUEF1APID
	}
)

func (F1SetupRequest) isF1APMessage()                {}
func (F1SetupResponse) isF1APMessage()               {}
func (F1SetupFailure) isF1APMessage()                {}
func (InitialULRRCMessageTransfer) isF1APMessage()   {}
func (ULRRCMessageTransfer) isF1APMessage()          {}
func (DLRRCMessageTransfer) isF1APMessage()          {}
func (UEContextSetupRequest) isF1APMessage()         {}
func (UEContextSetupResponse) isF1APMessage()        {}
func (UEContextSetupFailure) isF1APMessage()         {}
func (UEContextModificationRequest) isF1APMessage()  {}
func (UEContextModificationResponse) isF1APMessage() {}
func (UEContextModificationFailure) isF1APMessage()  {}
func (UEContextReleaseCommand) isF1APMessage()       {}
func (UEContextReleaseComplete) isF1APMessage()      {}

// NGAPMessage is one decoded NGAP PDU, in either direction.
type NGAPMessage interface {
	isNGAPMessage()
}

// PDUSession is a PDU session with the DRBs carrying it.
type PDUSession struct {
	ID       uint8
	ULTEID   uint32
	DRBs     []DRB
	SliceSST uint8
}

type (
	NGSetupRequest struct {
		GlobalRANNodeID uint64
		RANNodeName     string
		SupportedTACs   []uint32
	}
	NGSetupResponse struct {
		AMFName string
	}
	NGSetupFailure struct {
		Cause Cause
		// TimeToWait in ticks; zero when the IE is absent.
		TimeToWait uint64
	}
	InitialUEMessage struct {
		RANUENGAPID RANUENGAPID
		NRCGI       NRCGI
		TAC         uint32
	}
	InitialContextSetupRequest struct {
		RANUENGAPID RANUENGAPID
		AMFUENGAPID AMFUENGAPID
		Security    SecurityContext
		PDUSessions []PDUSession
	}
	InitialContextSetupResponse struct {
		RANUENGAPID RANUENGAPID
		AMFUENGAPID AMFUENGAPID
	}
	InitialContextSetupFailure struct {
		RANUENGAPID RANUENGAPID
		AMFUENGAPID AMFUENGAPID
		Cause       Cause
	}
	NGUEContextReleaseCommand struct {
		RANUENGAPID RANUENGAPID
		AMFUENGAPID AMFUENGAPID
		Cause       Cause
	}
	NGUEContextReleaseComplete struct {
		RANUENGAPID RANUENGAPID
		AMFUENGAPID AMFUENGAPID
	}
)

func (NGSetupRequest) isNGAPMessage()              {}
func (NGSetupResponse) isNGAPMessage()             {}
func (NGSetupFailure) isNGAPMessage()              {}
func (InitialUEMessage) isNGAPMessage()            {}
func (InitialContextSetupRequest) isNGAPMessage()  {}
func (InitialContextSetupResponse) isNGAPMessage() {}
func (InitialContextSetupFailure) isNGAPMessage()  {}
func (NGUEContextReleaseCommand) isNGAPMessage()   {}
func (NGUEContextReleaseComplete) isNGAPMessage()  {}

// RRCULMessage is a decoded UL-DCCH/UL-CCCH message.
type RRCULMessage interface {
	isRRCUL()
}

// RRCDLMessage is a decoded DL-DCCH/DL-CCCH message.
type RRCDLMessage interface {
	isRRCDL()
}

type (
	RRCSetupRequest struct {
		UEIdentity uint64
	}
	RRCSetupComplete struct {
		TransactionID async.TransactionID
	}
	RRCReconfigurationComplete struct {
		TransactionID async.TransactionID
	}
	RRCSetup struct {
		TransactionID async.TransactionID
	}
	RRCReconfiguration struct {
		TransactionID async.TransactionID
		DRBs          []DRB
	}
	RRCRelease struct{}
)

func (RRCSetupRequest) isRRCUL()            {}
func (RRCSetupComplete) isRRCUL()           {}
func (RRCReconfigurationComplete) isRRCUL() {}
func (RRCSetup) isRRCDL()                   {}
func (RRCReconfiguration) isRRCDL()         {}
func (RRCRelease) isRRCDL()                 {}

// F1APNotifier carries F1AP PDUs towards the DU.
type F1APNotifier interface {
	OnNewF1APMessage(msg F1APMessage)
}

// NGAPNotifier carries NGAP PDUs towards the AMF.
type NGAPNotifier interface {
	OnNewNGAPMessage(msg NGAPMessage)
}
