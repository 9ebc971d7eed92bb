package hostcall

import "fmt"

// MethodID identifies a PSHost/PSHostUserInterface/PSHostRawUserInterface
// method the server is asking the embedding host to perform, per MS-PSRP's
// HostMethodIdentifier enumeration (values 1..56).
type MethodID int64

const (
	GetName                          MethodID = 1
	GetVersion                       MethodID = 2
	GetInstanceId                    MethodID = 3
	GetCurrentCulture                MethodID = 4
	GetCurrentUICulture               MethodID = 5
	SetShouldExit                    MethodID = 6
	EnterNestedPrompt                MethodID = 7
	ExitNestedPrompt                 MethodID = 8
	NotifyBeginApplication           MethodID = 9
	NotifyEndApplication             MethodID = 10
	ReadLine                         MethodID = 11
	ReadLineAsSecureString           MethodID = 12
	Write1                           MethodID = 13
	Write2                           MethodID = 14
	WriteLine1                       MethodID = 15
	WriteLine2                       MethodID = 16
	WriteLine3                       MethodID = 17
	WriteErrorLine                   MethodID = 18
	WriteDebugLine                   MethodID = 19
	WriteProgress                    MethodID = 20
	WriteVerboseLine                 MethodID = 21
	WriteWarningLine                 MethodID = 22
	Prompt                           MethodID = 23
	PromptForCredential1             MethodID = 24
	PromptForCredential2             MethodID = 25
	PromptForChoice                  MethodID = 26
	GetForegroundColor               MethodID = 27
	SetForegroundColor               MethodID = 28
	GetBackgroundColor               MethodID = 29
	SetBackgroundColor               MethodID = 30
	GetCursorPosition                MethodID = 31
	SetCursorPosition                MethodID = 32
	GetWindowPosition                MethodID = 33
	SetWindowPosition                MethodID = 34
	GetCursorSize                    MethodID = 35
	SetCursorSize                    MethodID = 36
	GetBufferSize                    MethodID = 37
	SetBufferSize                    MethodID = 38
	GetWindowSize                    MethodID = 39
	SetWindowSize                    MethodID = 40
	GetWindowTitle                   MethodID = 41
	SetWindowTitle                   MethodID = 42
	GetMaxWindowSize                 MethodID = 43
	GetMaxPhysicalWindowSize         MethodID = 44
	GetKeyAvailable                  MethodID = 45
	ReadKey                          MethodID = 46
	FlushInputBuffer                 MethodID = 47
	SetBufferContents1               MethodID = 48
	SetBufferContents2               MethodID = 49
	GetBufferContents                MethodID = 50
	ScrollBufferContents             MethodID = 51
	PushRunspace                     MethodID = 52
	PopRunspace                      MethodID = 53
	GetIsRunspacePushed              MethodID = 54
	GetRunspace                      MethodID = 55
	PromptForChoiceMultipleSelection MethodID = 56
)

// Group identifies which of the five MS-PSRP method families a MethodID
// belongs to.
type Group int

const (
	GroupHostIdentity Group = iota
	GroupUITextIO
	GroupUIPrompts
	GroupRawUI
	GroupInteractiveSession
)

// Shape classifies a method's call/response contract.
type Shape int

const (
	// ShapeVoid methods return no value: the response carries neither mr
	// nor me on success.
	ShapeVoid Shape = iota
	// ShapeValue methods return a value in the response's mr field.
	ShapeValue
	// ShapeThrows methods may legitimately fail in ways the server
	// expects to see as a host exception (me), not a protocol error —
	// e.g. a cancelled prompt.
	ShapeThrows
)

type methodInfo struct {
	Group Group
	Shape Shape
}

var methodTable = map[MethodID]methodInfo{
	GetName:                          {GroupHostIdentity, ShapeValue},
	GetVersion:                       {GroupHostIdentity, ShapeValue},
	GetInstanceId:                    {GroupHostIdentity, ShapeValue},
	GetCurrentCulture:                {GroupHostIdentity, ShapeValue},
	GetCurrentUICulture:              {GroupHostIdentity, ShapeValue},
	SetShouldExit:                    {GroupHostIdentity, ShapeVoid},
	EnterNestedPrompt:                {GroupHostIdentity, ShapeVoid},
	ExitNestedPrompt:                 {GroupHostIdentity, ShapeVoid},
	NotifyBeginApplication:           {GroupHostIdentity, ShapeVoid},
	NotifyEndApplication:             {GroupHostIdentity, ShapeVoid},
	ReadLine:                         {GroupUITextIO, ShapeValue},
	ReadLineAsSecureString:           {GroupUITextIO, ShapeValue},
	Write1:                           {GroupUITextIO, ShapeVoid},
	Write2:                           {GroupUITextIO, ShapeVoid},
	WriteLine1:                       {GroupUITextIO, ShapeVoid},
	WriteLine2:                       {GroupUITextIO, ShapeVoid},
	WriteLine3:                       {GroupUITextIO, ShapeVoid},
	WriteErrorLine:                   {GroupUITextIO, ShapeVoid},
	WriteDebugLine:                   {GroupUITextIO, ShapeVoid},
	WriteProgress:                    {GroupUITextIO, ShapeVoid},
	WriteVerboseLine:                 {GroupUITextIO, ShapeVoid},
	WriteWarningLine:                 {GroupUITextIO, ShapeVoid},
	Prompt:                           {GroupUIPrompts, ShapeValue},
	PromptForCredential1:             {GroupUIPrompts, ShapeThrows},
	PromptForCredential2:             {GroupUIPrompts, ShapeThrows},
	PromptForChoice:                  {GroupUIPrompts, ShapeValue},
	GetForegroundColor:               {GroupRawUI, ShapeValue},
	SetForegroundColor:               {GroupRawUI, ShapeVoid},
	GetBackgroundColor:               {GroupRawUI, ShapeValue},
	SetBackgroundColor:               {GroupRawUI, ShapeVoid},
	GetCursorPosition:                {GroupRawUI, ShapeValue},
	SetCursorPosition:                {GroupRawUI, ShapeVoid},
	GetWindowPosition:                {GroupRawUI, ShapeValue},
	SetWindowPosition:                {GroupRawUI, ShapeVoid},
	GetCursorSize:                    {GroupRawUI, ShapeValue},
	SetCursorSize:                    {GroupRawUI, ShapeVoid},
	GetBufferSize:                    {GroupRawUI, ShapeValue},
	SetBufferSize:                    {GroupRawUI, ShapeVoid},
	GetWindowSize:                    {GroupRawUI, ShapeValue},
	SetWindowSize:                    {GroupRawUI, ShapeVoid},
	GetWindowTitle:                   {GroupRawUI, ShapeValue},
	SetWindowTitle:                   {GroupRawUI, ShapeVoid},
	GetMaxWindowSize:                 {GroupRawUI, ShapeValue},
	GetMaxPhysicalWindowSize:         {GroupRawUI, ShapeValue},
	GetKeyAvailable:                  {GroupRawUI, ShapeValue},
	ReadKey:                          {GroupRawUI, ShapeThrows},
	FlushInputBuffer:                 {GroupRawUI, ShapeVoid},
	SetBufferContents1:               {GroupRawUI, ShapeVoid},
	SetBufferContents2:               {GroupRawUI, ShapeVoid},
	GetBufferContents:                {GroupRawUI, ShapeValue},
	ScrollBufferContents:             {GroupRawUI, ShapeVoid},
	PushRunspace:                     {GroupInteractiveSession, ShapeVoid},
	PopRunspace:                      {GroupInteractiveSession, ShapeVoid},
	GetIsRunspacePushed:              {GroupInteractiveSession, ShapeValue},
	GetRunspace:                      {GroupInteractiveSession, ShapeValue},
	PromptForChoiceMultipleSelection: {GroupUIPrompts, ShapeValue},
}

// Known reports whether id is a recognized method.
func (id MethodID) Known() bool {
	_, ok := methodTable[id]
	return ok
}

// Group returns id's method family, or -1 if id is unknown.
func (id MethodID) Group() Group {
	if info, ok := methodTable[id]; ok {
		return info.Group
	}
	return -1
}

// Shape returns id's call/response contract, defaulting to ShapeValue for
// unknown ids so a best-effort response still carries a value slot.
func (id MethodID) Shape() Shape {
	if info, ok := methodTable[id]; ok {
		return info.Shape
	}
	return ShapeValue
}

func (id MethodID) String() string {
	for name, mid := range nameTable {
		if mid == id {
			return name
		}
	}
	return fmt.Sprintf("MethodID(%d)", int64(id))
}

var nameTable = map[string]MethodID{
	"GetName": GetName, "GetVersion": GetVersion, "GetInstanceId": GetInstanceId,
	"GetCurrentCulture": GetCurrentCulture, "GetCurrentUICulture": GetCurrentUICulture,
	"SetShouldExit": SetShouldExit, "EnterNestedPrompt": EnterNestedPrompt,
	"ExitNestedPrompt": ExitNestedPrompt, "NotifyBeginApplication": NotifyBeginApplication,
	"NotifyEndApplication": NotifyEndApplication, "ReadLine": ReadLine,
	"ReadLineAsSecureString": ReadLineAsSecureString, "Write1": Write1, "Write2": Write2,
	"WriteLine1": WriteLine1, "WriteLine2": WriteLine2, "WriteLine3": WriteLine3,
	"WriteErrorLine": WriteErrorLine, "WriteDebugLine": WriteDebugLine,
	"WriteProgress": WriteProgress, "WriteVerboseLine": WriteVerboseLine,
	"WriteWarningLine": WriteWarningLine, "Prompt": Prompt,
	"PromptForCredential1": PromptForCredential1, "PromptForCredential2": PromptForCredential2,
	"PromptForChoice": PromptForChoice, "GetForegroundColor": GetForegroundColor,
	"SetForegroundColor": SetForegroundColor, "GetBackgroundColor": GetBackgroundColor,
	"SetBackgroundColor": SetBackgroundColor, "GetCursorPosition": GetCursorPosition,
	"SetCursorPosition": SetCursorPosition, "GetWindowPosition": GetWindowPosition,
	"SetWindowPosition": SetWindowPosition, "GetCursorSize": GetCursorSize,
	"SetCursorSize": SetCursorSize, "GetBufferSize": GetBufferSize,
	"SetBufferSize": SetBufferSize, "GetWindowSize": GetWindowSize,
	"SetWindowSize": SetWindowSize, "GetWindowTitle": GetWindowTitle,
	"SetWindowTitle": SetWindowTitle, "GetMaxWindowSize": GetMaxWindowSize,
	"GetMaxPhysicalWindowSize": GetMaxPhysicalWindowSize, "GetKeyAvailable": GetKeyAvailable,
	"ReadKey": ReadKey, "FlushInputBuffer": FlushInputBuffer,
	"SetBufferContents1": SetBufferContents1, "SetBufferContents2": SetBufferContents2,
	"GetBufferContents": GetBufferContents, "ScrollBufferContents": ScrollBufferContents,
	"PushRunspace": PushRunspace, "PopRunspace": PopRunspace,
	"GetIsRunspacePushed": GetIsRunspacePushed, "GetRunspace": GetRunspace,
	"PromptForChoiceMultipleSelection": PromptForChoiceMultipleSelection,
}
