package access

import "golang.org/x/crypto/bcrypt"

// HashPIN derives the stored hash for a keypad PIN.
func HashPIN(pin string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
}

// VerifyPIN checks a supplied PIN against the access point's stored
// hash.
func VerifyPIN(hash []byte, pin string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(pin)) == nil
}
