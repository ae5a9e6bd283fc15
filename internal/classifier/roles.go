package classifier

const (
	TypeServer           = "server"
	TypeDatabaseServer   = "database-server"
	TypeWebServer        = "web-server"
	TypeMailServer       = "mail-server"
	TypeDNSServer        = "dns-server"
	TypeDomainController = "domain-controller"
	TypeWorkstation      = "workstation"
	TypeNetworkDevice    = "network-device"
	TypeLoadBalancer     = "load-balancer"
	TypePrinter          = "printer"
	TypeMobileDevice     = "mobile-device"
	TypeIoTDevice        = "iot-device"
	TypeContainerHost    = "container-host"
	TypeVirtualHost      = "virtual-host"
	TypeCloudInstance    = "cloud-instance"
)

// impliedTags are added for the final asset type after every rule ran.
var impliedTags = map[string][]string{
	TypeServer:           {"server"},
	TypeDatabaseServer:   {"db", "server"},
	TypeWebServer:        {"web", "server"},
	TypeMailServer:       {"mail", "server"},
	TypeDNSServer:        {"dns", "server"},
	TypeDomainController: {"directory", "server"},
	TypeWorkstation:      {"workstation"},
	TypeNetworkDevice:    {"network"},
	TypeLoadBalancer:     {"network", "lb"},
	TypePrinter:          {"printer"},
	TypeMobileDevice:     {"mobile"},
	TypeIoTDevice:        {"iot"},
	TypeContainerHost:    {"container", "server"},
	TypeVirtualHost:      {"virtualization", "server"},
	TypeCloudInstance:    {"cloud"},
}

// role ties a tag to the service names, ports and hostname tokens that
// reveal it. The table order is the priority used when several roles match
// within one rule.
type role struct {
	tag       string
	assetType string
	services  []string
	ports     []int
	hostnames []string
}

var roles = []role{
	{
		tag:       "db",
		assetType: TypeDatabaseServer,
		services:  []string{"mysql", "mariadb", "postgres", "postgresql", "mssql", "ms-sql-s", "oracle", "oracle-tns", "mongodb", "mongod", "redis", "cassandra", "couchdb", "db2", "memcached", "elasticsearch"},
		ports:     []int{1433, 1521, 3306, 5432, 5984, 6379, 7000, 9042, 9200, 11211, 27017, 50000},
		hostnames: []string{"db", "sql", "mysql", "mariadb", "pg", "pgsql", "postgres", "oracle", "ora", "mongo", "mongodb", "redis", "cassandra", "elastic", "es"},
	},
	{
		tag:       "directory",
		assetType: TypeDomainController,
		services:  []string{"ldap", "ldaps", "kerberos", "kerberos-sec", "kpasswd", "globalcatldap", "active-directory"},
		ports:     []int{88, 389, 464, 636, 3268, 3269},
		hostnames: []string{"dc", "ad", "ldap", "kdc", "pdc", "bdc"},
	},
	{
		tag:       "mail",
		assetType: TypeMailServer,
		services:  []string{"smtp", "smtps", "submission", "imap", "imaps", "pop3", "pop3s", "postfix", "exim", "exchange"},
		ports:     []int{25, 110, 143, 465, 587, 993, 995},
		hostnames: []string{"mail", "smtp", "mx", "imap", "pop", "exchange", "exch", "owa"},
	},
	{
		tag:       "dns",
		assetType: TypeDNSServer,
		services:  []string{"dns", "domain", "bind", "named", "unbound"},
		ports:     []int{53},
		hostnames: []string{"dns", "ns", "resolver"},
	},
	{
		tag:       "lb",
		assetType: TypeLoadBalancer,
		services:  []string{"haproxy", "f5", "bigip"},
		hostnames: []string{"lb", "haproxy", "f5", "bigip", "balancer"},
	},
	{
		tag:       "web",
		assetType: TypeWebServer,
		services:  []string{"http", "https", "http-alt", "https-alt", "http-proxy", "nginx", "apache", "httpd", "iis", "tomcat", "lighttpd", "caddy"},
		ports:     []int{80, 443, 8000, 8080, 8443, 8888},
		hostnames: []string{"web", "www", "nginx", "apache", "iis", "httpd", "proxy", "cdn", "portal"},
	},
	{
		tag:       "container",
		assetType: TypeContainerHost,
		services:  []string{"docker", "containerd", "kubelet", "kubernetes", "kube-apiserver", "etcd"},
		ports:     []int{2375, 2376, 2379, 6443, 10250},
		hostnames: []string{"k8s", "kube", "docker", "swarm"},
	},
	{
		tag:       "network",
		assetType: TypeNetworkDevice,
		services:  []string{"snmp", "bgp", "telnet", "netconf"},
		ports:     []int{161, 179, 830},
		hostnames: []string{"fw", "firewall", "rtr", "router", "sw", "switch", "gw", "gateway", "ap", "wlc"},
	},
	{
		tag:       "printer",
		assetType: TypePrinter,
		services:  []string{"ipp", "printer", "jetdirect", "lpd"},
		ports:     []int{515, 631, 9100},
		hostnames: []string{"prn", "printer", "print", "mfp"},
	},
	{
		tag:       "workstation",
		assetType: TypeWorkstation,
		hostnames: []string{"wks", "ws", "desktop", "laptop", "pc", "nb", "mbp"},
	},
	{
		tag:       "virtualization",
		assetType: TypeVirtualHost,
		services:  []string{"vmware-auth", "esxi", "vsphere", "libvirt", "proxmox"},
		ports:     []int{902, 8006},
		hostnames: []string{"esx", "esxi", "hv", "hyperv", "vcenter", "proxmox", "pve"},
	},
	// Access protocols say nothing about the asset's type.
	{tag: "ssh", services: []string{"ssh", "openssh"}, ports: []int{22}},
	{tag: "rdp", services: []string{"rdp", "ms-wbt-server", "terminal-services"}, ports: []int{3389}},
	{tag: "smb", services: []string{"smb", "microsoft-ds", "netbios-ssn", "samba"}, ports: []int{139, 445}},
	{tag: "ftp", services: []string{"ftp", "ftps", "vsftpd"}, ports: []int{20, 21}},
	{tag: "vpn", services: []string{"openvpn", "ipsec", "isakmp", "wireguard"}, ports: []int{500, 1194, 4500, 51820}, hostnames: []string{"vpn"}},
	{tag: "monitoring", services: []string{"prometheus", "zabbix", "nagios", "grafana"}, ports: []int{9090, 10051}, hostnames: []string{"mon", "monitor", "nagios", "zabbix", "grafana", "prom"}},
	{tag: "backup", hostnames: []string{"bak", "backup", "veeam", "nas"}},
}

// environments maps hostname tokens to environment tags.
var environments = map[string]string{
	"prod":       "production",
	"prd":        "production",
	"production": "production",
	"dev":        "development",
	"devel":      "development",
	"stg":        "staging",
	"stage":      "staging",
	"staging":    "staging",
	"test":       "test",
	"tst":        "test",
	"qa":         "test",
	"uat":        "test",
	"dr":         "disaster-recovery",
}
