package smtp

// Reply codes, RFC 5321.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed = 250

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C454TempAuthFail   = 454
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C530SecurityRequired  = 530
	C535AuthBadCreds      = 535
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading class digit and first dot.
// Subset used by this code base, see RFC 3463/4954.
var (
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1SenderSyntax7       = "1.7"
	SeSys3NotAccepting2        = "3.2"
	SeNet4NoAnswer1            = "4.1"
	SeNet4BadConn2             = "4.2"
	SeProto5Syntax2            = "5.2"
	SePol7DeliveryUnauth1      = "7.1"
	SePol7CryptoFailure5       = "7.5"
	SePol7AuthBadCreds8        = "7.8"
)
