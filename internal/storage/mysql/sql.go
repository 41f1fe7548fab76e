package mysql

// -----------------------------------------------------------------------------
// PLACES
// -----------------------------------------------------------------------------

const placeColumns = `id, slug, name, location, country, start_date, end_date, favorite_count, sort_order, created_at, updated_at`

const insertPlaceSQL = `
INSERT INTO places
  (slug, name, location, country, start_date, end_date, favorite_count, sort_order, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// slug, favorite_count and created_at are never rewritten here.
const updatePlaceSQL = `
UPDATE places
SET name = ?, location = ?, country = ?, start_date = ?, end_date = ?, updated_at = ?
WHERE id = ?
`

const deletePlaceSQL = `DELETE FROM places WHERE id = ?`

const setSortOrderSQL = `UPDATE places SET sort_order = ? WHERE id = ?`

const incrementFavoriteCountSQL = `UPDATE places SET favorite_count = favorite_count + 1 WHERE id = ?`

const getPlaceSQL = `SELECT ` + placeColumns + ` FROM places WHERE id = ?`

const getPlaceBySlugSQL = `SELECT ` + placeColumns + ` FROM places WHERE slug = ?`

const listPlacesSQL = `SELECT ` + placeColumns + ` FROM places ORDER BY sort_order, id`

const maxSortOrderSQL = `SELECT COALESCE(MAX(sort_order), 0) FROM places`

// -----------------------------------------------------------------------------
// PHOTOS
// -----------------------------------------------------------------------------

const photoColumns = `id, place_id, slug, photo_num, file_name, is_favorite, width, height, thumbnail_status, created_at, updated_at`

const insertPhotoSQL = `
INSERT INTO photos
  (place_id, slug, photo_num, file_name, is_favorite, width, height, thumbnail_status, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const deletePhotoSQL = `DELETE FROM photos WHERE id = ?`

const deletePhotosByPlaceSQL = `DELETE FROM photos WHERE place_id = ?`

// Rows are updated lowest photo_num first so uq_photos_place_num never sees
// two rows on the same number mid-statement.
const shiftPhotoNumsDownSQL = `
UPDATE photos
SET photo_num = photo_num - 1
WHERE place_id = ? AND photo_num > ?
ORDER BY photo_num ASC
`

const negatePhotoNumsSQL = `
UPDATE photos
SET photo_num = -photo_num
WHERE place_id = ? AND photo_num > 0
`

const setPhotoNumSQL = `UPDATE photos SET photo_num = ?, updated_at = ? WHERE id = ?`

const setFavoriteSQL = `UPDATE photos SET is_favorite = ?, updated_at = ? WHERE id = ?`

const clearFavoritesSQL = `UPDATE photos SET is_favorite = 0 WHERE place_id = ? AND is_favorite = 1`

// NULL dimensions keep what is already stored.
const updateThumbnailSQL = `
UPDATE photos
SET thumbnail_status = ?,
    width            = COALESCE(?, width),
    height           = COALESCE(?, height),
    updated_at       = ?
WHERE id = ?
`

const getPhotoSQL = `SELECT ` + photoColumns + ` FROM photos WHERE id = ?`

const getPhotoByNumSQL = `SELECT ` + photoColumns + ` FROM photos WHERE place_id = ? AND photo_num = ?`

const listPhotosSQL = `SELECT ` + photoColumns + ` FROM photos WHERE place_id = ? ORDER BY photo_num`

const maxPhotoNumSQL = `SELECT COALESCE(MAX(photo_num), 0) FROM photos WHERE place_id = ?`

// -----------------------------------------------------------------------------
// ADMIN USERS
// -----------------------------------------------------------------------------

const adminColumns = `id, username, password_hash, totp_secret, totp_enabled, totp_last_step, last_login_at, created_at`

const insertAdminUserSQL = `
INSERT INTO admin_users
  (username, password_hash, totp_secret, totp_enabled, totp_last_step, last_login_at, created_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?)
`

const setAdminPasswordSQL = `UPDATE admin_users SET password_hash = ? WHERE username = ?`

const setAdminTotpSQL = `
UPDATE admin_users
SET totp_secret = ?, totp_enabled = ?, totp_last_step = ?
WHERE username = ?
`

const recordAdminLoginSQL = `
UPDATE admin_users
SET last_login_at = ?, totp_last_step = ?
WHERE username = ? AND totp_last_step <= ?
`

const deleteAdminUserSQL = `DELETE FROM admin_users WHERE username = ?`

const getAdminUserSQL = `SELECT ` + adminColumns + ` FROM admin_users WHERE username = ?`

const lockAdminUserSQL = getAdminUserSQL + ` FOR UPDATE`

const listAdminUsersSQL = `SELECT ` + adminColumns + ` FROM admin_users ORDER BY username`

const countAdminUsersSQL = `SELECT COUNT(*) FROM admin_users`
