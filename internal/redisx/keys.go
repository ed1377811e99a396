package redisx

import "time"

const (
	// Idempotency create order: idem:order:create:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id or order_id:phase)
	KeyDedup = "dedup:%s:%s"

	// Product lease: lock:product:{product_id} -> owner token
	KeyProductLock = "lock:product:%d"

	// Catalog cache: catalog:product:{product_id} -> {"id":..,"name":..,"price":..}
	KeyCatalogProduct = "catalog:product:%d"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLCatalog     = 5 * time.Minute
)
