package catalog

// DefaultVersion identifies the built-in ATT&CK table
const DefaultVersion = "attack-honeynet-2024.1"

// DefaultTactics contains the ATT&CK enterprise tactics the honeynet reports on
var DefaultTactics = []Tactic{
	{"TA0001", "Initial Access"},
	{"TA0002", "Execution"},
	{"TA0003", "Persistence"},
	{"TA0004", "Privilege Escalation"},
	{"TA0005", "Defense Evasion"},
	{"TA0006", "Credential Access"},
	{"TA0007", "Discovery"},
	{"TA0008", "Lateral Movement"},
	{"TA0009", "Collection"},
	{"TA0011", "Command and Control"},
	{"TA0010", "Exfiltration"},
	{"TA0040", "Impact"},
	{"TA0043", "Reconnaissance"},
}

// DefaultTechniques maps techniques to the command and alert text that reveals them.
// Order matters: techniques are tested in this order.
var DefaultTechniques = []Technique{
	{ID: "T1078", Name: "Valid Accounts", TacticID: "TA0001", Patterns: []string{`login\.success`, `ssh.*password`}},
	{ID: "T1110", Name: "Brute Force", TacticID: "TA0006", Patterns: []string{`login\.failed`, `brute.*force`, `hydra`, `medusa`}},

	{ID: "T1059", Name: "Command and Scripting Interpreter", TacticID: "TA0002", Patterns: []string{`bash`, `sh\s`, `python`, `perl`, `command\.input`}},

	{ID: "T1053", Name: "Scheduled Task/Job", TacticID: "TA0003", Patterns: []string{`crontab`, `at\s`, `systemd`}},
	{ID: "T1136", Name: "Create Account", TacticID: "TA0003", Patterns: []string{`useradd`, `adduser`, `passwd`}},

	{ID: "T1548", Name: "Abuse Elevation Control Mechanism", TacticID: "TA0004", Patterns: []string{`sudo`, `su\s`, `pkexec`}},

	{ID: "T1070", Name: "Indicator Removal on Host", TacticID: "TA0005", Patterns: []string{`rm.*log`, `shred`, `history\s-c`, `unset\sHISTFILE`}},
	{ID: "T1027", Name: "Obfuscated Files or Information", TacticID: "TA0005", Patterns: []string{`base64`, `xxd`, `openssl\senc`, `gzip`}},

	{ID: "T1003", Name: "OS Credential Dumping", TacticID: "TA0006", Patterns: []string{`/etc/passwd`, `/etc/shadow`, `mimikatz`, `dump.*cred`}},
	{ID: "T1552", Name: "Unsecured Credentials", TacticID: "TA0006", Patterns: []string{`\.ssh/`, `id_rsa`, `\.aws/`, `\.docker/config`}},

	{ID: "T1082", Name: "System Information Discovery", TacticID: "TA0007", Patterns: []string{`uname`, `hostname`, `cat\s/etc/issue`, `lsb_release`}},
	{ID: "T1033", Name: "System Owner/User Discovery", TacticID: "TA0007", Patterns: []string{`whoami`, `id\s`, `w\s`, `who\s`}},
	{ID: "T1046", Name: "Network Service Discovery", TacticID: "TA0007", Patterns: []string{`netstat`, `ss\s`, `lsof.*LISTEN`}},
	{ID: "T1057", Name: "Process Discovery", TacticID: "TA0007", Patterns: []string{`ps\s`, `top\s`, `htop`}},

	{ID: "T1021", Name: "Remote Services", TacticID: "TA0008", Patterns: []string{`ssh\s.*@`, `scp\s`, `rsync`}},

	{ID: "T1005", Name: "Data from Local System", TacticID: "TA0009", Patterns: []string{`cat\s`, `head\s`, `tail\s`, `grep\s.*-r`}},
	{ID: "T1560", Name: "Archive Collected Data", TacticID: "TA0009", Patterns: []string{`tar\s.*czf`, `zip\s`, `7z\s`}},

	{ID: "T1071", Name: "Application Layer Protocol", TacticID: "TA0011", Patterns: []string{`curl`, `wget`, `http`}},
	{ID: "T1105", Name: "Ingress Tool Transfer", TacticID: "TA0011", Patterns: []string{`wget\shttp`, `curl.*-o`, `scp.*download`}},
	{ID: "T1572", Name: "Protocol Tunneling", TacticID: "TA0011", Patterns: []string{`ssh.*-L`, `ssh.*-R`, `ssh.*-D`}},

	{ID: "T1041", Name: "Exfiltration Over C2 Channel", TacticID: "TA0010", Patterns: []string{`curl.*--data`, `wget.*--post`}},
	{ID: "T1048", Name: "Exfiltration Over Alternative Protocol", TacticID: "TA0010", Patterns: []string{`nc\s.*<`, `ncat.*--send-only`}},

	{ID: "T1486", Name: "Data Encrypted for Impact", TacticID: "TA0040", Patterns: []string{`encrypt`, `ransom`, `\.locked`}},
	{ID: "T1496", Name: "Resource Hijacking", TacticID: "TA0040", Patterns: []string{`xmrig`, `minerd`, `cpuminer`, `cryptonight`}},
	{ID: "T1531", Name: "Account Access Removal", TacticID: "TA0040", Patterns: []string{`userdel`, `passwd.*-l`}},

	{ID: "T1595", Name: "Active Scanning", TacticID: "TA0043", Patterns: []string{`nmap`, `masscan`, `port.*scan`}},
}

// Default returns the built-in catalog
func Default() *Catalog {
	c, err := New(DefaultVersion, DefaultTactics, DefaultTechniques)
	if err != nil {
		// The built-in tables are static; failing here is a programming error.
		panic("catalog: invalid default table: " + err.Error())
	}
	return c
}
