package authz

const (
	RoleTenantAdmin  = "tenant-admin"
	RoleTenantViewer = "tenant-viewer"
	RoleAnonymous    = "anonymous"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectIAMSession           = "iam.session"
	ObjectInventoryItems       = "inventory.items"
	ObjectInventoryCycleCounts = "inventory.cycle-counts"
	ObjectOrdersOrders         = "orders.orders"
	ObjectOrdersPickingWaves   = "orders.picking-waves"
	ObjectPurchasingOrders     = "purchasing.purchase-orders"
	ObjectPartiesCustomers     = "parties.customers"
	ObjectPartiesVendors       = "parties.vendors"
	ObjectAutomationRules      = "automation.rules"
	ObjectAutomationEvents     = "automation.events"
	ObjectActivityLog          = "activity.log"
	ObjectOutboxEmails         = "outbox.emails"
	ObjectDashboardSummary     = "dashboard.summary"
	ObjectReportsInventory     = "reports.inventory"
	ObjectIntegrationsLinks    = "integrations.product-links"
	ObjectIntegrationsWebhooks = "integrations.webhooks"
)
