package pci

// Signal names.
const (
	PCIClk  = "PCI_CLK"
	ResetN  = "RESET#"
	ReqN    = "REQ#"
	GntN    = "GNT#"
	IDSel   = "IDSEL"
	FrameN  = "FRAME#"
	Req64N  = "REQ64#"
	DevselN = "DEVSEL#"
	Ack64N  = "ACK64#"
	IrdyN   = "IRDY#"
	TrdyN   = "TRDY#"
	StopN   = "STOP#"
	AD      = "AD"
	CBEN    = "C/BE#"
	Par     = "PAR"
	Par64   = "PAR64"
	IntAN   = "INTA#"
	IntBN   = "INTB#"
	IntCN   = "INTC#"
	IntDN   = "INTD#"
)

// MaxDevices is the number of REQ#/GNT# pairs and interrupt vector bits.
const MaxDevices = 16

type line struct {
	name  string
	width int
}

// sharedLines are driven by every device and blended.
var sharedLines = []line{
	{FrameN, 1},
	{Req64N, 1},
	{DevselN, 1},
	{Ack64N, 1},
	{IrdyN, 1},
	{TrdyN, 1},
	{StopN, 1},
	{AD, 64},
	{CBEN, 8},
	{Par, 1},
	{Par64, 1},
}

var interruptLines = []string{IntAN, IntBN, IntCN, IntDN}

// idselBase is the AD bit that selects the device with identity 0.
const idselBase = 16
