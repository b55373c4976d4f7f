package database

// Order queries
const (
	InsertOrderSQL = `
		INSERT INTO orders (id, number, restaurant_id, customer_id, state, version, total_amount, currency,
			   pickup_time, server_received_at, reminder_level, forfeited, slot_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	InsertOrderItemSQL = `
		INSERT INTO order_items (order_id, name, quantity, unit_price)
		VALUES ($1, $2, $3, $4)`

	GetOrderByIDSQL = `
		SELECT id, number, restaurant_id, customer_id, state, version, total_amount::text, currency,
			   pickup_time, server_received_at, cancellation_requested_at, reminder_level, forfeited,
			   slot_id, created_at, updated_at
		FROM orders WHERE id = $1`

	GetOrderItemsSQL = `
		SELECT id, name, quantity, unit_price::text
		FROM order_items WHERE order_id = $1 ORDER BY id ASC`

	// The version predicate is the optimistic lock: zero rows affected means
	// another writer committed first.
	UpdateOrderGuardedSQL = `
		UPDATE orders
		SET state = $1, cancellation_requested_at = $2, forfeited = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5`

	// Reminder bookkeeping sits outside the version lock: the level only moves
	// up, and bumping it is not a lifecycle transition.
	MarkReminderSQL = `
		UPDATE orders
		SET reminder_level = $1, updated_at = NOW()
		WHERE id = $2 AND state = 'placed' AND reminder_level < $1`

	GetOrderVersionSQL = `
		SELECT version FROM orders WHERE id = $1`

	ListPlacedSQL = `
		SELECT id, number, restaurant_id, customer_id, state, version, total_amount::text, currency,
			   pickup_time, server_received_at, cancellation_requested_at, reminder_level, forfeited,
			   slot_id, created_at, updated_at
		FROM orders WHERE state = 'placed'
		ORDER BY server_received_at ASC`

	NextOrderSequenceSQL = `
		SELECT COALESCE(MAX(CAST(SUBSTRING(number FROM 'PU_[0-9]{8}_([0-9]{3})') AS INTEGER)), 0) + 1
		FROM orders
		WHERE number LIKE $1`
)

// Payment authorization queries
const (
	InsertAuthorizationSQL = `
		INSERT INTO payment_authorizations (order_id, gateway_ref, status, amount, currency,
			   authorize_key, capture_key, release_key, authorized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	GetAuthorizationSQL = `
		SELECT order_id, gateway_ref, status, amount::text, currency,
			   authorize_key, capture_key, release_key, authorized_at, captured_at, released_at, failed_at
		FROM payment_authorizations WHERE order_id = $1`

	UpdateAuthorizationSQL = `
		UPDATE payment_authorizations
		SET status = $1, captured_at = $2, released_at = $3, failed_at = $4
		WHERE order_id = $5`
)

// Pickup slot queries
const (
	EnsureSlotSQL = `
		INSERT INTO pickup_slots (id, restaurant_id, slot_time, max_capacity, current_bookings, version)
		VALUES ($1, $2, $3, $4, 0, 1)
		ON CONFLICT (restaurant_id, slot_time) DO NOTHING`

	GetSlotSQL = `
		SELECT id, restaurant_id, slot_time, max_capacity, current_bookings, version
		FROM pickup_slots WHERE restaurant_id = $1 AND slot_time = $2`

	GetSlotByIDSQL = `
		SELECT id, restaurant_id, slot_time, max_capacity, current_bookings, version
		FROM pickup_slots WHERE id = $1`

	UpdateSlotGuardedSQL = `
		UPDATE pickup_slots
		SET current_bookings = $1, version = version + 1
		WHERE id = $2 AND version = $3`

	GetSlotVersionSQL = `
		SELECT version FROM pickup_slots WHERE id = $1`
)

// Status log queries
const (
	InsertStatusLogSQL = `
		INSERT INTO order_status_log (order_id, state, changed_by, notes)
		VALUES ($1, $2, $3, $4)`

	GetStatusLogSQL = `
		SELECT state, changed_by, changed_at, notes
		FROM order_status_log
		WHERE order_id = $1
		ORDER BY changed_at ASC, id ASC`
)
